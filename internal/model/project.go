package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role is a member's role inside a project.
type Role string

const (
	// RoleOwner is held by exactly the project creator.
	RoleOwner Role = "owner"
	// RoleMember is every other collaborator.
	RoleMember Role = "member"
)

// RemoteProject is a shared project document. The member set and the role
// map must stay in lockstep: every member id has a role entry and vice
// versa, and the owner is always present in the member set.
type RemoteProject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	OwnerID string          `json:"owner_id"`
	Members []string        `json:"members"`
	Roles   map[string]Role `json:"roles"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProjectID returns a fresh project document identifier.
func NewProjectID() string {
	return "proj-" + uuid.NewString()
}

// NewProject creates a project owned by ownerID, who becomes its sole
// member.
func NewProject(name, description, ownerID string) *RemoteProject {
	now := time.Now().UTC()
	return &RemoteProject{
		ID:          NewProjectID(),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		Members:     []string{ownerID},
		Roles:       map[string]Role{ownerID: RoleOwner},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks document shape and the member/role lockstep invariant.
func (p *RemoteProject) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if !slices.Contains(p.Members, p.OwnerID) {
		return fmt.Errorf("owner %s must be in the member set", p.OwnerID)
	}
	if len(p.Members) != len(p.Roles) {
		return fmt.Errorf("member set and role map out of lockstep (%d members, %d roles)",
			len(p.Members), len(p.Roles))
	}
	for _, m := range p.Members {
		if _, ok := p.Roles[m]; !ok {
			return fmt.Errorf("member %s has no role entry", m)
		}
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// HasMember reports whether userID belongs to the project.
func (p *RemoteProject) HasMember(userID string) bool {
	return slices.Contains(p.Members, userID)
}

// AddMember adds userID with the member role. Adding an existing member
// is a no-op, so concurrent invitation accepts converge.
func (p *RemoteProject) AddMember(userID string) {
	if p.HasMember(userID) {
		return
	}
	p.Members = append(p.Members, userID)
	if p.Roles == nil {
		p.Roles = make(map[string]Role)
	}
	p.Roles[userID] = RoleMember
	p.UpdatedAt = time.Now().UTC()
}
