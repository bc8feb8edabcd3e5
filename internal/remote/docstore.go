// Package remote wraps the shared document store that collaborating
// users write to.
//
// The store is a directory tree with one subdirectory per collection
// (projects/, tasks/, users/, invitations/) and one JSON document per
// entity. Several processes may write the tree concurrently; documents
// are written atomically via rename, and conflicting writes resolve
// last-write-wins. A filesystem watcher turns external writes into the
// live snapshot streams exposed by the Gateway.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kball/taskmesh/internal/model"
)

// Collection names under the store root.
const (
	ColProjects    = "projects"
	ColTasks       = "tasks"
	ColUsers       = "users"
	ColInvitations = "invitations"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("remote: document not found")

// DocStore reads and writes documents under a shared root directory.
//
// The mutex serializes this process's read-modify-write cycles (e.g.
// invitation accepts mutating the member set). Cross-process writers are
// coordinated only by atomic renames and last-write-wins.
type DocStore struct {
	root string
	mu   sync.Mutex
}

// OpenDocStore opens (creating if needed) the document tree at root.
func OpenDocStore(root string) (*DocStore, error) {
	for _, col := range []string{ColProjects, ColTasks, ColUsers, ColInvitations} {
		if err := os.MkdirAll(filepath.Join(root, col), 0755); err != nil {
			return nil, fmt.Errorf("failed to create collection directory %s: %w", col, err)
		}
	}
	return &DocStore{root: root}, nil
}

// Root returns the store's root directory.
func (ds *DocStore) Root() string {
	return ds.root
}

// CollectionDir returns the directory holding a collection's documents.
func (ds *DocStore) CollectionDir(collection string) string {
	return filepath.Join(ds.root, collection)
}

func (ds *DocStore) docPath(collection, id string) string {
	return filepath.Join(ds.root, collection, id+".json")
}

// writeDoc marshals v and atomically replaces the document file.
func (ds *DocStore) writeDoc(collection, id string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	path := ds.docPath(collection, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit document %s/%s: %w", collection, id, err)
	}
	return nil
}

// readDoc unmarshals a document into v. Returns ErrNotFound when the
// file is absent.
func (ds *DocStore) readDoc(collection, id string, v interface{}) error {
	data, err := os.ReadFile(ds.docPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return fmt.Errorf("failed to read document %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse document %s/%s: %w", collection, id, err)
	}
	return nil
}

// deleteDoc removes a document. Deleting a missing document is an error
// so cascade accounting stays honest; callers that want idempotency check
// ErrNotFound.
func (ds *DocStore) deleteDoc(collection, id string) error {
	err := os.Remove(ds.docPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// listIDs returns the document ids present in a collection.
func (ds *DocStore) listIDs(collection string) ([]string, error) {
	entries, err := os.ReadDir(ds.CollectionDir(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

// PutProject validates and writes a project document.
func (ds *DocStore) PutProject(p *model.RemoteProject) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}
	return ds.writeDoc(ColProjects, p.ID, p)
}

// GetProject reads one project document.
func (ds *DocStore) GetProject(id string) (*model.RemoteProject, error) {
	var p model.RemoteProject
	if err := ds.readDoc(ColProjects, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProject removes a project document.
func (ds *DocStore) DeleteProject(id string) error {
	return ds.deleteDoc(ColProjects, id)
}

// ListProjects reads every project document. A document deleted between
// listing and reading is skipped; writes are atomic renames, so any
// other read failure means the collection cannot be trusted and the
// whole list errors rather than silently omitting entries.
func (ds *DocStore) ListProjects() ([]*model.RemoteProject, error) {
	ids, err := ds.listIDs(ColProjects)
	if err != nil {
		return nil, err
	}
	projects := make([]*model.RemoteProject, 0, len(ids))
	for _, id := range ids {
		p, err := ds.GetProject(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// PutTask validates and writes a task document.
func (ds *DocStore) PutTask(t *model.RemoteTask) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	return ds.writeDoc(ColTasks, t.ID, t)
}

// GetTask reads one task document.
func (ds *DocStore) GetTask(id string) (*model.RemoteTask, error) {
	var t model.RemoteTask
	if err := ds.readDoc(ColTasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask removes a task document.
func (ds *DocStore) DeleteTask(id string) error {
	return ds.deleteDoc(ColTasks, id)
}

// ListTasksByProject reads every task under a project, ordered by
// creation time descending.
func (ds *DocStore) ListTasksByProject(projectID string) ([]*model.RemoteTask, error) {
	ids, err := ds.listIDs(ColTasks)
	if err != nil {
		return nil, err
	}
	var tasks []*model.RemoteTask
	for _, id := range ids {
		t, err := ds.GetTask(id)
		if err != nil {
			// Deleted between listing and read; any other failure
			// poisons the whole snapshot.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t.ProjectID == projectID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// PutUser writes a user profile document.
func (ds *DocStore) PutUser(u *model.User) error {
	if u.ID == "" {
		return fmt.Errorf("invalid user: id is required")
	}
	return ds.writeDoc(ColUsers, u.ID, u)
}

// GetUser reads one user profile document.
func (ds *DocStore) GetUser(id string) (*model.User, error) {
	var u model.User
	if err := ds.readDoc(ColUsers, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// PutInvitation validates and writes an invitation document.
func (ds *DocStore) PutInvitation(iv *model.Invitation) error {
	if err := iv.Validate(); err != nil {
		return fmt.Errorf("invalid invitation: %w", err)
	}
	return ds.writeDoc(ColInvitations, iv.ID, iv)
}

// GetInvitation reads one invitation document.
func (ds *DocStore) GetInvitation(id string) (*model.Invitation, error) {
	var iv model.Invitation
	if err := ds.readDoc(ColInvitations, id, &iv); err != nil {
		return nil, err
	}
	return &iv, nil
}

// ListInvitations reads every invitation document.
func (ds *DocStore) ListInvitations() ([]*model.Invitation, error) {
	ids, err := ds.listIDs(ColInvitations)
	if err != nil {
		return nil, err
	}
	invs := make([]*model.Invitation, 0, len(ids))
	for _, id := range ids {
		iv, err := ds.GetInvitation(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		invs = append(invs, iv)
	}
	return invs, nil
}
