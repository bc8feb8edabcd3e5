// Package mapper converts between remote task documents and local cache
// records.
//
// Every function here is pure and stateless. The equivalence check is
// used only to suppress redundant cache writes when a snapshot is
// redelivered; it is not a conflict-resolution mechanism. Concurrent
// divergent edits resolve last-write-wins by the remote update timestamp.
package mapper

import (
	"time"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/model"
)

// ToLocal maps a remote task into a fresh cache record. Returns nil on
// nil input; callers must treat nil as "skip".
func ToLocal(task *model.RemoteTask, projectName string) *cache.TaskRecord {
	if task == nil {
		return nil
	}

	rec := &cache.TaskRecord{
		Title:         task.Title,
		Content:       task.Content,
		Completed:     task.Completed,
		DueAt:         copyTime(task.DueAt),
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
		Collaborative: true,
		ProjectID:     task.ProjectID,
		ProjectName:   projectName,
		RemoteTaskID:  task.ID,
		AssigneeID:    task.AssigneeID,
		CreatorID:     task.CreatorID,
	}
	if task.Completed {
		rec.CompletedAt = copyTime(&task.UpdatedAt)
	}
	return rec
}

// ToRemote maps a cache record back to its remote document. Returns nil
// for records that do not mirror a remote task; purely local tasks are
// never pushed upstream.
func ToRemote(rec *cache.TaskRecord) *model.RemoteTask {
	if rec == nil || !rec.Collaborative || rec.RemoteTaskID == "" {
		return nil
	}

	return &model.RemoteTask{
		ID:         rec.RemoteTaskID,
		ProjectID:  rec.ProjectID,
		Title:      rec.Title,
		Content:    rec.Content,
		Completed:  rec.Completed,
		AssigneeID: rec.AssigneeID,
		CreatorID:  rec.CreatorID,
		DueAt:      copyTime(rec.DueAt),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// ApplyRemoteUpdate copies the remote task's synced fields onto an
// existing record in place. The local id and the collaborative flag are
// never touched.
func ApplyRemoteUpdate(rec *cache.TaskRecord, task *model.RemoteTask, projectName string) {
	if rec == nil || task == nil {
		return
	}

	rec.Title = task.Title
	rec.Content = task.Content
	if task.Completed && !rec.Completed {
		rec.CompletedAt = copyTime(&task.UpdatedAt)
	} else if !task.Completed {
		rec.CompletedAt = nil
	}
	rec.Completed = task.Completed
	rec.DueAt = copyTime(task.DueAt)
	rec.UpdatedAt = task.UpdatedAt
	rec.ProjectName = projectName
	rec.AssigneeID = task.AssigneeID
}

// Equivalent reports whether the record already reflects the remote
// task's synced fields: title, content, completion, due date, assignee.
// Equivalent snapshots must not trigger a cache write.
func Equivalent(rec *cache.TaskRecord, task *model.RemoteTask) bool {
	if rec == nil || task == nil {
		return rec == nil && task == nil
	}

	return rec.Title == task.Title &&
		rec.Content == task.Content &&
		rec.Completed == task.Completed &&
		rec.AssigneeID == task.AssigneeID &&
		timesEqual(rec.DueAt, task.DueAt)
}

// DisplayTitle renders the record's title for list views. Records that
// mirror a shared project task are prefixed with the project name.
func DisplayTitle(rec *cache.TaskRecord) string {
	if rec == nil {
		return ""
	}
	if rec.Collaborative && rec.ProjectName != "" {
		return "[" + rec.ProjectName + "] " + rec.Title
	}
	return rec.Title
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
