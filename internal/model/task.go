// Package model defines the remote document shapes shared by all
// collaborators: projects, project tasks, users, and invitations.
//
// Documents are flat JSON with last-write-wins semantics. Timestamps on
// every document help decide which concurrent write landed last; there is
// no field-level merging.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RemoteTask is a task document inside a shared project. Any project
// member may update it; it is deleted explicitly or cascaded when the
// owning project is deleted.
type RemoteTask struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	Completed bool   `json:"completed"`

	AssigneeID string `json:"assignee_id,omitempty"`
	CreatorID  string `json:"creator_id,omitempty"`

	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewTaskID returns a fresh task document identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// Validate checks that the task document is well formed.
func (t *RemoteTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults fills optional fields so partially constructed tasks are
// safe to persist.
func (t *RemoteTask) SetDefaults() {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Touch sets UpdatedAt to the current time. Call on every mutation so
// last-write-wins ordering stays meaningful.
func (t *RemoteTask) Touch() {
	t.UpdatedAt = time.Now().UTC()
}
