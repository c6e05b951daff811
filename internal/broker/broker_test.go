package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/models"
	"taskpilot/internal/storage"
)

type fakeSource struct {
	mu          sync.Mutex
	roadmap     *models.Roadmap
	messages    []models.ChatMessage
	orderedErr  error
	fallbackErr error
	reads       int
}

func (f *fakeSource) GetRoadmap(ctx context.Context, projectID string) (*models.Roadmap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.roadmap == nil {
		return nil, nil
	}
	cp := *f.roadmap
	return &cp, nil
}

func (f *fakeSource) ListMessages(ctx context.Context, projectID string, ordered bool) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ordered && f.orderedErr != nil {
		return nil, f.orderedErr
	}
	if !ordered && f.fallbackErr != nil {
		return nil, f.fallbackErr
	}
	return append([]models.ChatMessage(nil), f.messages...), nil
}

func (f *fakeSource) setRoadmap(rm *models.Roadmap) {
	f.mu.Lock()
	f.roadmap = rm
	f.mu.Unlock()
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}

func TestSubscribeRoadmap_InitialAndPushedSnapshots(t *testing.T) {
	src := &fakeSource{}
	b := New(src)
	defer b.Close()

	got := make(chan *models.Roadmap, 10)
	unsubscribe := b.SubscribeRoadmap(context.Background(), "p1", func(rm *models.Roadmap) { got <- rm })
	defer unsubscribe()

	if rm := recv(t, got); rm != nil {
		t.Fatalf("initial snapshot = %+v, want nil", rm)
	}

	src.setRoadmap(&models.Roadmap{Phases: []models.Phase{{ID: "a"}}})
	b.Notify(models.CollectionRoadmaps, "p1")
	if rm := recv(t, got); rm == nil || rm.Phases[0].ID != "a" {
		t.Fatalf("pushed snapshot = %+v", rm)
	}
}

func TestNotify_OtherTopicsAreIgnored(t *testing.T) {
	src := &fakeSource{}
	b := New(src)
	defer b.Close()

	got := make(chan *models.Roadmap, 10)
	unsubscribe := b.SubscribeRoadmap(context.Background(), "p1", func(rm *models.Roadmap) { got <- rm })
	defer unsubscribe()
	recv(t, got)

	b.Notify(models.CollectionRoadmaps, "p2")
	b.Notify(models.CollectionMessages, "p1")
	select {
	case rm := <-got:
		t.Fatalf("unexpected snapshot %+v", rm)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	src := &fakeSource{}
	b := New(src)
	defer b.Close()

	got := make(chan *models.Roadmap, 10)
	unsubscribe := b.SubscribeRoadmap(context.Background(), "p1", func(rm *models.Roadmap) { got <- rm })
	recv(t, got)
	unsubscribe()
	unsubscribe()

	src.setRoadmap(&models.Roadmap{})
	b.Notify(models.CollectionRoadmaps, "p1")
	select {
	case rm := <-got:
		t.Fatalf("snapshot after unsubscribe: %+v", rm)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeMessages_FallsBackToUnorderedRead(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		orderedErr: errors.New("no such index"),
		messages: []models.ChatMessage{
			{ID: "b", CreatedAt: base.Add(2 * time.Second)},
			{ID: "a", CreatedAt: base.Add(time.Second)},
		},
	}
	b := New(src)
	defer b.Close()

	got := make(chan []models.ChatMessage, 1)
	unsubscribe := b.SubscribeMessages(context.Background(), "p1", func(m []models.ChatMessage, err error) {
		if err != nil {
			t.Errorf("unexpected read error: %v", err)
		}
		got <- m
	})
	defer unsubscribe()

	msgs := recv(t, got)
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Fatalf("messages = %+v, want sorted a, b", msgs)
	}
}

func TestReadMessages_BothReadsFail(t *testing.T) {
	src := &fakeSource{orderedErr: errors.New("no index"), fallbackErr: errors.New("offline")}
	msgs, err := ReadMessages(context.Background(), src, "p1")
	if !errors.Is(err, storage.ErrSubscription) {
		t.Fatalf("err = %v, want ErrSubscription", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("msgs = %v, want empty", msgs)
	}
}

func TestSubscribeMessages_ReportsFailedRead(t *testing.T) {
	src := &fakeSource{orderedErr: errors.New("no index"), fallbackErr: errors.New("offline")}
	b := New(src)
	defer b.Close()

	type delivery struct {
		msgs []models.ChatMessage
		err  error
	}
	got := make(chan delivery, 1)
	unsubscribe := b.SubscribeMessages(context.Background(), "p1", func(m []models.ChatMessage, err error) {
		got <- delivery{m, err}
	})
	defer unsubscribe()

	d := recv(t, got)
	if !errors.Is(d.err, storage.ErrSubscription) {
		t.Fatalf("err = %v, want ErrSubscription", d.err)
	}
	if d.msgs == nil || len(d.msgs) != 0 {
		t.Errorf("msgs = %v, want empty", d.msgs)
	}
}

func TestSubscriber_LatestWins(t *testing.T) {
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []int
	)
	sub := newSubscriber(func(v any) {
		<-release
		mu.Lock()
		seen = append(seen, v.(int))
		mu.Unlock()
	})
	go sub.run()
	defer sub.close()

	sub.offer(1)
	time.Sleep(20 * time.Millisecond)
	sub.offer(2)
	sub.offer(3)
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Errorf("seen = %v, want [1 3]", seen)
	}
}

func TestClose_RejectsNewSubscriptions(t *testing.T) {
	src := &fakeSource{}
	b := New(src)
	b.Close()

	called := make(chan struct{}, 1)
	unsubscribe := b.SubscribeRoadmap(context.Background(), "p1", func(*models.Roadmap) { called <- struct{}{} })
	unsubscribe()
	select {
	case <-called:
		t.Fatal("closed broker delivered a snapshot")
	case <-time.After(50 * time.Millisecond):
	}
}
