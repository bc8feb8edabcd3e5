package mapper

import (
	"testing"
	"time"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/model"
)

func testTask(id, projectID, title string) *model.RemoteTask {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.RemoteTask{
		ID:         id,
		ProjectID:  projectID,
		Title:      title,
		Content:    "some details",
		AssigneeID: "user-1",
		CreatorID:  "user-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestToLocal(t *testing.T) {
	task := testTask("t1", "p1", "Ship release")

	rec := ToLocal(task, "Alpha")
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if !rec.Collaborative {
		t.Error("expected collaborative flag set")
	}
	if rec.RemoteTaskID != "t1" {
		t.Errorf("expected remote task id t1, got %q", rec.RemoteTaskID)
	}
	if rec.ProjectID != "p1" || rec.ProjectName != "Alpha" {
		t.Errorf("project fields not mapped: %q %q", rec.ProjectID, rec.ProjectName)
	}
	if rec.Title != "Ship release" || rec.Content != "some details" {
		t.Errorf("content fields not mapped: %q %q", rec.Title, rec.Content)
	}
}

func TestToLocalNil(t *testing.T) {
	if rec := ToLocal(nil, "Alpha"); rec != nil {
		t.Errorf("expected nil for nil input, got %+v", rec)
	}
}

func TestToRemoteLocalOnly(t *testing.T) {
	rec := &cache.TaskRecord{
		ID:        7,
		Title:     "Buy milk",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if task := ToRemote(rec); task != nil {
		t.Errorf("purely local record must not map upstream, got %+v", task)
	}
}

func TestToRemoteRoundTrip(t *testing.T) {
	task := testTask("t1", "p1", "Ship release")
	rec := ToLocal(task, "Alpha")
	rec.ID = 42

	back := ToRemote(rec)
	if back == nil {
		t.Fatal("expected remote task, got nil")
	}
	if back.ID != task.ID || back.ProjectID != task.ProjectID {
		t.Errorf("identity fields lost: %q %q", back.ID, back.ProjectID)
	}
	if back.Title != task.Title || back.Content != task.Content {
		t.Errorf("content fields lost: %q %q", back.Title, back.Content)
	}
}

func TestApplyRemoteUpdate(t *testing.T) {
	task := testTask("t1", "p1", "Ship release")
	rec := ToLocal(task, "Alpha")
	rec.ID = 42

	due := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	task.Title = "Ship release v2"
	task.Completed = true
	task.DueAt = &due
	task.AssigneeID = "user-2"
	task.Touch()

	ApplyRemoteUpdate(rec, task, "Alpha Renamed")

	if rec.ID != 42 {
		t.Errorf("local id must not change, got %d", rec.ID)
	}
	if !rec.Collaborative {
		t.Error("collaborative flag must not change")
	}
	if rec.Title != "Ship release v2" {
		t.Errorf("title not applied: %q", rec.Title)
	}
	if !rec.Completed || rec.CompletedAt == nil {
		t.Error("completion not applied")
	}
	if rec.DueAt == nil || !rec.DueAt.Equal(due) {
		t.Errorf("due date not applied: %v", rec.DueAt)
	}
	if rec.AssigneeID != "user-2" {
		t.Errorf("assignee not applied: %q", rec.AssigneeID)
	}
	if rec.ProjectName != "Alpha Renamed" {
		t.Errorf("project name not applied: %q", rec.ProjectName)
	}
}

func TestEquivalent(t *testing.T) {
	due := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	otherDue := due.Add(time.Hour)

	base := func() (*cache.TaskRecord, *model.RemoteTask) {
		task := testTask("t1", "p1", "Ship release")
		task.DueAt = &due
		return ToLocal(task, "Alpha"), task
	}

	tests := []struct {
		name   string
		mutate func(*cache.TaskRecord, *model.RemoteTask)
		want   bool
	}{
		{"identical", func(r *cache.TaskRecord, tk *model.RemoteTask) {}, true},
		{"title differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.Title = "x" }, false},
		{"content differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.Content = "x" }, false},
		{"completion differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.Completed = true }, false},
		{"assignee differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.AssigneeID = "u9" }, false},
		{"due differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.DueAt = &otherDue }, false},
		{"due nil on one side", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.DueAt = nil }, false},
		{"due nil both sides", func(r *cache.TaskRecord, tk *model.RemoteTask) {
			r.DueAt = nil
			tk.DueAt = nil
		}, true},
		// Timestamps are not part of the comparison.
		{"updated_at differs", func(r *cache.TaskRecord, tk *model.RemoteTask) { tk.Touch() }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, task := base()
			tt.mutate(rec, task)
			if got := Equivalent(rec, task); got != tt.want {
				t.Errorf("Equivalent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisplayTitle(t *testing.T) {
	shared := ToLocal(testTask("t1", "p1", "Buy milk"), "Alpha")
	if got := DisplayTitle(shared); got != "[Alpha] Buy milk" {
		t.Errorf("expected %q, got %q", "[Alpha] Buy milk", got)
	}

	local := &cache.TaskRecord{Title: "Buy milk"}
	if got := DisplayTitle(local); got != "Buy milk" {
		t.Errorf("expected %q, got %q", "Buy milk", got)
	}

	// A shared record whose project name is missing falls back to the
	// bare title.
	noName := ToLocal(testTask("t2", "p1", "Buy milk"), "")
	if got := DisplayTitle(noName); got != "Buy milk" {
		t.Errorf("expected %q, got %q", "Buy milk", got)
	}
}
