package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InvitationStatus tracks an invitation's lifecycle. PENDING is the only
// non-terminal state; ACCEPTED and REJECTED are final.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationRejected InvitationStatus = "REJECTED"
)

// Invitation asks a user, addressed by email, to join a project.
type Invitation struct {
	ID string `json:"id"`

	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`

	InviterID    string `json:"inviter_id"`
	InviterName  string `json:"inviter_name,omitempty"`
	InviteeEmail string `json:"invitee_email"`

	Status InvitationStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// NewInvitationID returns a fresh invitation document identifier.
func NewInvitationID() string {
	return "inv-" + uuid.NewString()
}

// Validate checks that the invitation document is well formed.
func (iv *Invitation) Validate() error {
	if iv.ID == "" {
		return fmt.Errorf("id is required")
	}
	if iv.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if iv.InviteeEmail == "" {
		return fmt.Errorf("invitee_email is required")
	}
	switch iv.Status {
	case InvitationPending, InvitationAccepted, InvitationRejected:
	default:
		return fmt.Errorf("invalid status %q", iv.Status)
	}
	return nil
}

// Respond moves a pending invitation to a terminal state. Responding to
// an already-settled invitation is an error.
func (iv *Invitation) Respond(accept bool) error {
	if iv.Status != InvitationPending {
		return fmt.Errorf("invitation %s already %s", iv.ID, iv.Status)
	}
	if accept {
		iv.Status = InvitationAccepted
	} else {
		iv.Status = InvitationRejected
	}
	now := time.Now().UTC()
	iv.RespondedAt = &now
	return nil
}
