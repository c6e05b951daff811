package tasktree

import (
	"reflect"
	"testing"
	"time"

	"taskpilot/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRoadmap() models.Roadmap {
	return models.Roadmap{
		Phases: []models.Phase{
			{
				ID:   "p1",
				Name: "Foundation",
				Tasks: []models.Task{
					{ID: "t1", Name: "Set up repo"},
					{ID: "t2", Name: "Design schema", SubTasks: []models.Task{
						{ID: "s1", Name: "Users table"},
						{ID: "s2", Name: "Projects table"},
					}},
				},
			},
			{
				ID:    "p2",
				Name:  "Launch",
				Tasks: []models.Task{{ID: "t1", Name: "Deploy"}},
			},
		},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

// --- ToggleTask ---

func TestToggleTask_CompletesLeaf(t *testing.T) {
	out := ToggleTask(sampleRoadmap(), "p1", "t1", true, testNow)

	task := out.Phases[0].Tasks[0]
	if !task.Completed {
		t.Fatal("expected task to be completed")
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(testNow) {
		t.Errorf("CompletedAt = %v, want %v", task.CompletedAt, testNow)
	}
}

func TestToggleTask_RoundTripRestoresTree(t *testing.T) {
	original := sampleRoadmap()
	done := ToggleTask(original, "p1", "t1", true, testNow)
	back := ToggleTask(done, "p1", "t1", false, testNow.Add(time.Minute))

	if !reflect.DeepEqual(back, original) {
		t.Errorf("round trip changed tree:\n got %+v\nwant %+v", back, original)
	}
}

func TestToggleTask_UnknownIDsAreNoOps(t *testing.T) {
	tests := []struct {
		name    string
		phaseID string
		taskID  string
	}{
		{"unknown task", "p1", "missing"},
		{"unknown phase", "missing", "t1"},
		{"empty ids", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := sampleRoadmap()
			out := ToggleTask(original, tt.phaseID, tt.taskID, true, testNow)
			if !reflect.DeepEqual(out, original) {
				t.Errorf("tree changed for %s", tt.name)
			}
		})
	}
}

func TestToggleTask_ParentWithSubTasksIsDerived(t *testing.T) {
	original := sampleRoadmap()
	out := ToggleTask(original, "p1", "t2", true, testNow)
	if !reflect.DeepEqual(out, original) {
		t.Error("direct toggle of a parent task must not change the tree")
	}
}

func TestToggleTask_DoesNotMutateInput(t *testing.T) {
	original := sampleRoadmap()
	_ = ToggleTask(original, "p1", "t1", true, testNow)
	if original.Phases[0].Tasks[0].Completed {
		t.Error("input tree was mutated")
	}
}

func TestToggleTask_KeepsTimestampWhenAlreadyCompleted(t *testing.T) {
	first := ToggleTask(sampleRoadmap(), "p1", "t1", true, testNow)
	second := ToggleTask(first, "p1", "t1", true, testNow.Add(time.Hour))
	if !second.Phases[0].Tasks[0].CompletedAt.Equal(testNow) {
		t.Errorf("CompletedAt restamped to %v", second.Phases[0].Tasks[0].CompletedAt)
	}
}

// --- ToggleSubTask ---

func TestToggleSubTask_AllCompleteRollsUp(t *testing.T) {
	out := ToggleSubTask(sampleRoadmap(), "p1", "t2", "s1", true, testNow)
	if out.Phases[0].Tasks[1].Completed {
		t.Fatal("parent completed with one sub-task open")
	}

	later := testNow.Add(time.Minute)
	out = ToggleSubTask(out, "p1", "t2", "s2", true, later)
	parent := out.Phases[0].Tasks[1]
	if !parent.Completed {
		t.Fatal("parent should be completed once every sub-task is")
	}
	if parent.CompletedAt == nil || !parent.CompletedAt.Equal(later) {
		t.Errorf("parent CompletedAt = %v, want %v", parent.CompletedAt, later)
	}
}

func TestToggleSubTask_UncompleteClearsParent(t *testing.T) {
	out := ToggleSubTask(sampleRoadmap(), "p1", "t2", "s1", true, testNow)
	out = ToggleSubTask(out, "p1", "t2", "s2", true, testNow)
	out = ToggleSubTask(out, "p1", "t2", "s1", false, testNow)

	parent := out.Phases[0].Tasks[1]
	if parent.Completed || parent.CompletedAt != nil {
		t.Errorf("parent = %+v, want cleared completion", parent)
	}
}

func TestToggleSubTask_UnknownIDsAreNoOps(t *testing.T) {
	original := sampleRoadmap()
	cases := [][3]string{
		{"p1", "t2", "missing"},
		{"p1", "missing", "s1"},
		{"missing", "t2", "s1"},
		{"p2", "t2", "s1"},
	}
	for _, c := range cases {
		out := ToggleSubTask(original, c[0], c[1], c[2], true, testNow)
		if !reflect.DeepEqual(out, original) {
			t.Errorf("tree changed for ids %v", c)
		}
	}
}

// --- Apply / Invert ---

func TestApply_InvertRestoresCompletion(t *testing.T) {
	original := sampleRoadmap()
	toggle := Toggle{PhaseID: "p1", TaskID: "s1", ParentTaskID: "t2", SubTask: true, Completed: true}

	out := Apply(original, toggle, testNow)
	if task, ok := Find(out, toggle); !ok || !task.Completed {
		t.Fatalf("Find = %+v, %v; want completed sub-task", task, ok)
	}
	out = Apply(out, toggle.Invert(), testNow)
	if !reflect.DeepEqual(out, original) {
		t.Error("inverse toggle did not restore the tree")
	}
}

// --- Normalize ---

func TestNormalize_RepairsInvariants(t *testing.T) {
	stamp := testNow.Add(-time.Hour)
	r := models.Roadmap{Phases: []models.Phase{{ID: "p", Tasks: []models.Task{
		{ID: "a", Completed: true},
		{ID: "b", Completed: false, CompletedAt: &stamp},
		{ID: "c", Completed: false, SubTasks: []models.Task{{ID: "x", Completed: true}}},
	}}}}

	out := Normalize(r, testNow)
	tasks := out.Phases[0].Tasks
	if tasks[0].CompletedAt == nil {
		t.Error("completed task without timestamp was not stamped")
	}
	if tasks[1].CompletedAt != nil {
		t.Error("open task kept a timestamp")
	}
	if !tasks[2].Completed || tasks[2].SubTasks[0].CompletedAt == nil {
		t.Errorf("parent rollup not restored: %+v", tasks[2])
	}
}

// --- Clone ---

func TestClone_DeepCopiesTimestamps(t *testing.T) {
	done := ToggleTask(sampleRoadmap(), "p1", "t1", true, testNow)
	cp := Clone(done)
	*cp.Phases[0].Tasks[0].CompletedAt = testNow.Add(time.Hour)
	if !done.Phases[0].Tasks[0].CompletedAt.Equal(testNow) {
		t.Error("clone shares CompletedAt with the source")
	}
}

// --- Revert ---

func TestRevert_RestoresExactlyAndKeepsOtherChanges(t *testing.T) {
	base := ToggleSubTask(sampleRoadmap(), "p1", "t2", "s1", true, testNow)
	base = ToggleSubTask(base, "p1", "t2", "s2", true, testNow)

	toggle := Toggle{PhaseID: "p1", TaskID: "s2", ParentTaskID: "t2", SubTask: true, Completed: false}
	applied := Apply(base, toggle, testNow.Add(time.Hour))
	applied = ToggleTask(applied, "p2", "t1", true, testNow.Add(time.Hour))

	out := Revert(applied, base, toggle, testNow.Add(2*time.Hour))

	if !reflect.DeepEqual(out.Phases[0], base.Phases[0]) {
		t.Errorf("reverted phase differs:\n got %+v\nwant %+v", out.Phases[0], base.Phases[0])
	}
	if !out.Phases[1].Tasks[0].Completed {
		t.Error("unrelated change was lost")
	}
}

func TestRevert_LeafTaskEqualsOriginal(t *testing.T) {
	original := sampleRoadmap()
	toggle := Toggle{PhaseID: "p1", TaskID: "t1", Completed: true}
	applied := Apply(original, toggle, testNow)

	if out := Revert(applied, original, toggle, testNow); !reflect.DeepEqual(out, original) {
		t.Error("revert of a leaf toggle did not restore the original tree")
	}
}
