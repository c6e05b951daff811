package roadmap

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/broker"
	"taskpilot/internal/models"
	"taskpilot/internal/storage"
	"taskpilot/internal/tasktree"
)

// --- Helpers ---

type memDocs struct {
	mu       sync.Mutex
	roadmaps map[string]models.Roadmap
	messages map[string][]models.ChatMessage
	projects map[string]models.Project
	failPut  error
	failGet  error
	puts     int
	onChange func(collection, projectID string)
}

func newMemDocs() *memDocs {
	return &memDocs{
		roadmaps: map[string]models.Roadmap{},
		messages: map[string][]models.ChatMessage{},
		projects: map[string]models.Project{},
	}
}

func (m *memDocs) GetRoadmap(ctx context.Context, projectID string) (*models.Roadmap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	rm, ok := m.roadmaps[projectID]
	if !ok {
		return nil, nil
	}
	cp := tasktree.Clone(rm)
	return &cp, nil
}

func (m *memDocs) PutRoadmap(ctx context.Context, projectID string, rm models.Roadmap) error {
	m.mu.Lock()
	if m.failPut != nil {
		err := m.failPut
		m.mu.Unlock()
		return &storage.WriteError{Op: "put roadmap", Err: err}
	}
	m.roadmaps[projectID] = tasktree.Clone(rm)
	m.puts++
	notify := m.onChange
	m.mu.Unlock()
	if notify != nil {
		notify(models.CollectionRoadmaps, projectID)
	}
	return nil
}

func (m *memDocs) ListMessages(ctx context.Context, projectID string, ordered bool) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatMessage(nil), m.messages[projectID]...), nil
}

func (m *memDocs) GetProject(ctx context.Context, id string) (models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, storage.ErrProjectNotFound
	}
	return p, nil
}

func (m *memDocs) setFailPut(err error) {
	m.mu.Lock()
	m.failPut = err
	m.mu.Unlock()
}

func (m *memDocs) setFailGet(err error) {
	m.mu.Lock()
	m.failGet = err
	m.mu.Unlock()
}

func (m *memDocs) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	docs   *memDocs
	broker *broker.Broker
	store  *Store
	clock  *fixedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	docs := newMemDocs()
	b := broker.New(docs)
	docs.onChange = b.Notify
	clock := &fixedClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	t.Cleanup(b.Close)
	return &harness{
		docs:   docs,
		broker: b,
		store:  NewStore(docs, b, WithClock(clock.Now)),
		clock:  clock,
	}
}

func sampleRoadmap() models.Roadmap {
	return models.Roadmap{Phases: []models.Phase{{
		ID:   "p1",
		Name: "Build",
		Tasks: []models.Task{
			{ID: "t1", Name: "API"},
			{ID: "t2", Name: "UI", SubTasks: []models.Task{{ID: "s1", Name: "Forms"}}},
		},
	}}}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- Store ---

func TestReplace_StampsCreatedAtOnFirstWrite(t *testing.T) {
	h := newHarness(t)
	out, err := h.store.Replace(context.Background(), "proj", sampleRoadmap())
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !out.CreatedAt.Equal(h.clock.Now()) || !out.UpdatedAt.Equal(h.clock.Now()) {
		t.Errorf("timestamps = %v / %v", out.CreatedAt, out.UpdatedAt)
	}
}

func TestReplace_PreservesCreatedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.store.Replace(ctx, "proj", sampleRoadmap())

	h.clock.Advance(time.Hour)
	regenerated := sampleRoadmap()
	regenerated.CreatedAt = h.clock.Now().Add(time.Hour)
	second, err := h.store.Replace(ctx, "proj", regenerated)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", second.CreatedAt, first.CreatedAt)
	}
	if !second.UpdatedAt.Equal(h.clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", second.UpdatedAt, h.clock.Now())
	}
}

func TestReplace_RepairsCompletion(t *testing.T) {
	h := newHarness(t)
	rm := sampleRoadmap()
	rm.Phases[0].Tasks[1].SubTasks[0].Completed = true

	out, err := h.store.Replace(context.Background(), "proj", rm)
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	parent := out.Phases[0].Tasks[1]
	if !parent.Completed || parent.CompletedAt == nil || parent.SubTasks[0].CompletedAt == nil {
		t.Errorf("parent = %+v, want rolled up with timestamps", parent)
	}
}

func TestReplace_WriteFailure(t *testing.T) {
	h := newHarness(t)
	h.docs.setFailPut(errors.New("disk full"))
	_, err := h.store.Replace(context.Background(), "proj", sampleRoadmap())
	if !storage.IsWriteError(err) {
		t.Fatalf("err = %v, want write error", err)
	}
}

func TestToggle_NoRoadmap(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Toggle(context.Background(), "proj", tasktree.Toggle{PhaseID: "p1", TaskID: "t1", Completed: true})
	if !errors.Is(err, storage.ErrRoadmapNotFound) {
		t.Fatalf("err = %v, want ErrRoadmapNotFound", err)
	}
}

func TestToggle_RejectsWithoutWriting(t *testing.T) {
	tests := []struct {
		name   string
		toggle tasktree.Toggle
	}{
		{"unknown phase", tasktree.Toggle{PhaseID: "nope", TaskID: "t1", Completed: true}},
		{"unknown task", tasktree.Toggle{PhaseID: "p1", TaskID: "nope", Completed: true}},
		{"unknown sub-task", tasktree.Toggle{PhaseID: "p1", TaskID: "nope", ParentTaskID: "t2", SubTask: true, Completed: true}},
		{"derived parent", tasktree.Toggle{PhaseID: "p1", TaskID: "t2", Completed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			before, err := h.store.Replace(ctx, "proj", sampleRoadmap())
			if err != nil {
				t.Fatalf("Replace failed: %v", err)
			}
			h.clock.Advance(time.Minute)
			puts := h.docs.putCount()

			_, err = h.store.Toggle(ctx, "proj", tt.toggle)
			if !errors.Is(err, storage.ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if n := h.docs.putCount(); n != puts {
				t.Errorf("%d writes, want none", n-puts)
			}
			stored, _ := h.store.Get(ctx, "proj")
			if !stored.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("UpdatedAt moved from %v to %v", before.UpdatedAt, stored.UpdatedAt)
			}
		})
	}
}

func TestToggle_ReadFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Replace(ctx, "proj", sampleRoadmap())
	h.docs.setFailGet(errors.New("database is locked"))

	_, err := h.store.Toggle(ctx, "proj", tasktree.Toggle{PhaseID: "p1", TaskID: "t1", Completed: true})
	if !storage.IsWriteError(err) {
		t.Fatalf("err = %v, want write error", err)
	}
}

func TestToggle_WritesSubTaskRollup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Replace(ctx, "proj", sampleRoadmap())

	out, err := h.store.Toggle(ctx, "proj", tasktree.Toggle{PhaseID: "p1", TaskID: "s1", ParentTaskID: "t2", SubTask: true, Completed: true})
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if !out.Phases[0].Tasks[1].Completed {
		t.Error("parent should roll up to completed")
	}
	stored, _ := h.store.Get(ctx, "proj")
	if !reflect.DeepEqual(*stored, out) {
		t.Error("stored roadmap differs from returned value")
	}
}

// --- View ---

func openView(t *testing.T, h *harness) *View {
	t.Helper()
	v := h.store.Open(context.Background(), "proj")
	t.Cleanup(v.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return v
}

func TestView_ToggleIsConfirmedBySnapshot(t *testing.T) {
	h := newHarness(t)
	_, _ = h.store.Replace(context.Background(), "proj", sampleRoadmap())
	v := openView(t, h)

	if err := v.Toggle(context.Background(), tasktree.Toggle{PhaseID: "p1", TaskID: "t1", Completed: true}); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	eventually(t, func() bool {
		snap := v.Current()
		return snap.State == StateConfirmed && snap.Roadmap.Phases[0].Tasks[0].Completed
	})
}

func TestView_FailedWriteRollsBack(t *testing.T) {
	h := newHarness(t)
	_, _ = h.store.Replace(context.Background(), "proj", sampleRoadmap())
	v := openView(t, h)
	before := v.Current()

	h.docs.setFailPut(errors.New("network down"))
	err := v.Toggle(context.Background(), tasktree.Toggle{PhaseID: "p1", TaskID: "s1", ParentTaskID: "t2", SubTask: true, Completed: true})
	if !storage.IsWriteError(err) {
		t.Fatalf("err = %v, want write error", err)
	}

	after := v.Current()
	if !reflect.DeepEqual(after.Roadmap, before.Roadmap) {
		t.Errorf("tree after rollback differs:\n got %+v\nwant %+v", after.Roadmap, before.Roadmap)
	}
	if after.State != StateConfirmed {
		t.Errorf("state = %s, want confirmed", after.State)
	}
}

func TestView_ToggleWithoutRoadmap(t *testing.T) {
	h := newHarness(t)
	v := openView(t, h)
	err := v.Toggle(context.Background(), tasktree.Toggle{PhaseID: "p1", TaskID: "t1", Completed: true})
	if !errors.Is(err, storage.ErrRoadmapNotFound) {
		t.Fatalf("err = %v, want ErrRoadmapNotFound", err)
	}
}

func TestView_SnapshotReplacesLocalTree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Replace(ctx, "proj", sampleRoadmap())
	v := openView(t, h)

	other := models.Roadmap{Phases: []models.Phase{{ID: "new", Name: "Regenerated"}}}
	if _, err := h.store.Replace(ctx, "proj", other); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	eventually(t, func() bool {
		snap := v.Current()
		return snap.Roadmap != nil && len(snap.Roadmap.Phases) == 1 && snap.Roadmap.Phases[0].ID == "new"
	})
}

func TestView_WatchAndClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.store.Replace(ctx, "proj", sampleRoadmap())
	v := openView(t, h)

	var calls atomic.Int32
	stop := v.Watch(func(Snapshot) { calls.Add(1) })
	defer stop()
	if calls.Load() != 1 {
		t.Fatalf("Watch delivered %d snapshots on registration, want 1", calls.Load())
	}

	v.Close()
	if err := v.Toggle(ctx, tasktree.Toggle{PhaseID: "p1", TaskID: "t1", Completed: true}); !errors.Is(err, ErrViewClosed) {
		t.Errorf("Toggle after close err = %v", err)
	}
	_, _ = h.store.Replace(ctx, "proj", models.Roadmap{})
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("closed view delivered %d snapshots", calls.Load())
	}
}

// --- Generator ---

type blockingPlanner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (p *blockingPlanner) GenerateRoadmap(ctx context.Context, project models.Project, history []models.ChatMessage) (models.Roadmap, error) {
	p.calls.Add(1)
	<-p.release
	return sampleRoadmap(), nil
}

func TestGenerator_RequiresReadiness(t *testing.T) {
	h := newHarness(t)
	h.docs.projects["proj"] = models.Project{ID: "proj", Name: "Bare"}
	g := NewGenerator(h.store, h.docs, &blockingPlanner{release: make(chan struct{})})

	if _, err := g.Generate(context.Background(), "proj"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestGenerator_CoalescesConcurrentRequests(t *testing.T) {
	h := newHarness(t)
	h.docs.projects["proj"] = models.Project{ID: "proj", Name: "Chatty"}
	h.docs.messages["proj"] = []models.ChatMessage{{ID: "m1", Role: models.RoleUser, Content: "todo app"}}
	planner := &blockingPlanner{release: make(chan struct{})}
	g := NewGenerator(h.store, h.docs, planner)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Generate(context.Background(), "proj")
			errs <- err
		}()
	}
	eventually(t, func() bool { return planner.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(planner.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
	}
	if planner.calls.Load() != 1 {
		t.Errorf("planner called %d times, want 1", planner.calls.Load())
	}
	if rm, _ := h.store.Get(context.Background(), "proj"); rm == nil {
		t.Error("roadmap was not written")
	}
}
