package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/kball/taskmesh/internal/model"
)

// MaxBatchOps bounds how many deletes a single cascade batch carries.
// This mirrors the practical ceiling shared document stores place on one
// transaction.
const MaxBatchOps = 500

// ErrPermissionDenied is returned when a caller lacks the right to
// perform an operation. The check happens before any write.
var ErrPermissionDenied = errors.New("remote: permission denied")

// Gateway exposes CRUD and live subscription primitives over the shared
// document store.
//
// Failures surface to the caller through returned errors; the gateway
// never retries. Subscriptions deliver snapshots over channels from a
// single dispatch goroutine, so snapshots within one stream arrive in
// order. Streams for different queries are independent and may
// interleave.
type Gateway struct {
	store   *DocStore
	watcher *Watcher
	logger  *log.Logger

	mu     sync.Mutex
	subs   map[int64]*liveQuery
	nextID int64

	// local carries change notes for this process's own writes, so
	// in-process subscribers update without waiting on fsnotify.
	local chan DocEvent
	done  chan struct{}
	wg    sync.WaitGroup

	started bool
	closed  bool
}

// liveQuery pairs a subscription with the recompute that produces its
// snapshots.
type liveQuery struct {
	collection string
	recompute  func()
	close      func()
}

// NewGateway creates a gateway over the document tree at root.
//
// If logger is nil, a default logger writing to stderr is used. Call
// Start to begin delivering subscription snapshots, and Close when done.
func NewGateway(root string, logger *log.Logger) (*Gateway, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	store, err := OpenDocStore(root)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(store)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		store:   store,
		watcher: watcher,
		logger:  logger,
		subs:    make(map[int64]*liveQuery),
		local:   make(chan DocEvent, 100),
		done:    make(chan struct{}),
	}, nil
}

// Store exposes the underlying document store for direct reads.
func (g *Gateway) Store() *DocStore {
	return g.store
}

// Start begins watching the store and dispatching snapshots. Idempotent.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return nil
	}
	if g.closed {
		return fmt.Errorf("gateway is closed")
	}

	if err := g.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start store watcher: %w", err)
	}

	g.started = true
	g.wg.Add(1)
	go g.dispatch()
	return nil
}

// Close cancels every subscription and stops the watcher. Safe to call
// more than once or before Start.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	started := g.started
	g.mu.Unlock()

	g.RemoveAllSubscriptions()

	if started {
		close(g.done)
		if err := g.watcher.Stop(); err != nil {
			g.logger.Printf("Error stopping watcher: %v", err)
		}
		g.wg.Wait()
	}
	return nil
}

// dispatch fans document change events into snapshot recomputes.
func (g *Gateway) dispatch() {
	defer g.wg.Done()

	for {
		select {
		case <-g.done:
			return

		case ev := <-g.local:
			g.handleEvent(ev)

		case ev, ok := <-g.watcher.Events():
			if !ok {
				return
			}
			g.handleEvent(ev)

		case err, ok := <-g.watcher.Errors():
			if !ok {
				return
			}
			g.logger.Printf("Watcher error: %v", err)
		}
	}
}

// handleEvent recomputes every live query interested in the changed
// collection. Membership filtering happens inside the recompute, so a
// coarse collection match is enough here.
func (g *Gateway) handleEvent(ev DocEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, q := range g.subs {
		if q.collection == ev.Collection || relatedCollection(q.collection, ev.Collection) {
			q.recompute()
		}
	}
}

// relatedCollection reports cross-collection interest: project renames
// must refresh invitation snapshots that denormalize the project name.
func relatedCollection(subscribed, changed string) bool {
	return subscribed == ColInvitations && changed == ColProjects
}

// noteLocal records one of our own writes for immediate dispatch. The
// same change usually arrives again via fsnotify; subscribers must
// tolerate redelivered identical snapshots.
func (g *Gateway) noteLocal(ev DocEvent) {
	select {
	case g.local <- ev:
	case <-g.done:
	default:
		g.logger.Println("Warning: local event queue full, dropping note")
	}
}

// subscribe registers a live query and delivers its initial snapshot.
//
// A compute error skips the push entirely. Subscribers only ever see
// snapshots that read cleanly; a transient store failure must not look
// like an empty result, since consumers treat each snapshot as the
// authoritative full set.
func subscribe[T any](g *Gateway, collection string, compute func() (T, error)) *Subscription[T] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	id := g.nextID

	sub := &Subscription[T]{
		id:      id,
		updates: make(chan T, 16),
	}
	sub.cancelFn = func() { g.removeSub(id) }

	recompute := func() {
		snapshot, err := compute()
		if err != nil {
			g.logger.Printf("Error computing %s snapshot, keeping last delivered: %v", collection, err)
			return
		}
		sub.push(snapshot)
	}

	g.subs[id] = &liveQuery{
		collection: collection,
		recompute:  recompute,
		close:      func() { close(sub.updates) },
	}

	// Initial snapshot before any change event.
	recompute()
	return sub
}

// removeSub detaches and closes one subscription. Holding the same lock
// the dispatch loop pushes under makes close safe.
func (g *Gateway) removeSub(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.subs[id]
	if !ok {
		return
	}
	delete(g.subs, id)
	q.close()
}

// RemoveAllSubscriptions unregisters every live stream. Safe to call
// when zero subscriptions exist.
func (g *Gateway) RemoveAllSubscriptions() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, q := range g.subs {
		delete(g.subs, id)
		q.close()
	}
}

// SubscriptionCount returns the number of live streams.
func (g *Gateway) SubscriptionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// SubscribeProjectsForMember streams the projects whose member set
// contains memberID, ordered by creation time descending.
func (g *Gateway) SubscribeProjectsForMember(memberID string) *Subscription[[]*model.RemoteProject] {
	return subscribe(g, ColProjects, func() ([]*model.RemoteProject, error) {
		projects, err := g.store.ListProjects()
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		filtered := projects[:0]
		for _, p := range projects {
			if p.HasMember(memberID) {
				filtered = append(filtered, p)
			}
		}
		sort.Slice(filtered, func(i, j int) bool {
			if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
				return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
			}
			return filtered[i].ID < filtered[j].ID
		})
		return filtered, nil
	})
}

// SubscribeTasksForProject streams the tasks under one project, ordered
// by creation time descending.
func (g *Gateway) SubscribeTasksForProject(projectID string) *Subscription[[]*model.RemoteTask] {
	return subscribe(g, ColTasks, func() ([]*model.RemoteTask, error) {
		tasks, err := g.store.ListTasksByProject(projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks for project %s: %w", projectID, err)
		}
		return tasks, nil
	})
}

// SubscribeInvitations streams the pending invitations addressed to one
// email.
func (g *Gateway) SubscribeInvitations(email string) *Subscription[[]*model.Invitation] {
	return subscribe(g, ColInvitations, func() ([]*model.Invitation, error) {
		invs, err := g.store.ListInvitations()
		if err != nil {
			return nil, fmt.Errorf("failed to list invitations: %w", err)
		}
		pending := invs[:0]
		for _, iv := range invs {
			if iv.Status == model.InvitationPending && iv.InviteeEmail == email {
				pending = append(pending, iv)
			}
		}
		sort.Slice(pending, func(i, j int) bool {
			return pending[i].CreatedAt.After(pending[j].CreatedAt)
		})
		return pending, nil
	})
}

// CreateProject writes a new project owned by ownerID.
func (g *Gateway) CreateProject(ctx context.Context, name, description, ownerID string) (*model.RemoteProject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := model.NewProject(name, description, ownerID)
	if err := g.store.PutProject(p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	g.logger.Printf("Created project %s (%s)", p.ID, p.Name)
	g.noteLocal(DocEvent{Collection: ColProjects, ID: p.ID, Op: OpWrite})
	return p, nil
}

// GetProject reads one project document.
func (g *Gateway) GetProject(ctx context.Context, projectID string) (*model.RemoteProject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.store.GetProject(projectID)
}

// DeleteProjectCascade deletes every task under a project in bounded
// batches, then the project document itself. Only the owner may delete a
// project.
//
// A batch failure aborts the remaining cascade and reports the error
// without retry; tasks deleted by committed batches stay deleted.
func (g *Gateway) DeleteProjectCascade(ctx context.Context, projectID, requesterID string) error {
	p, err := g.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if p.OwnerID != requesterID {
		return fmt.Errorf("%w: only the owner may delete project %s", ErrPermissionDenied, projectID)
	}

	tasks, err := g.store.ListTasksByProject(projectID)
	if err != nil {
		return fmt.Errorf("failed to enumerate project tasks: %w", err)
	}

	for start := 0; start < len(tasks); start += MaxBatchOps {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+MaxBatchOps, len(tasks))
		for _, t := range tasks[start:end] {
			if err := g.store.DeleteTask(t.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("cascade aborted at batch %d: %w", start/MaxBatchOps, err)
			}
			g.noteLocal(DocEvent{Collection: ColTasks, ID: t.ID, Op: OpDelete})
		}
		g.logger.Printf("Cascade delete project %s: batch %d (%d tasks)",
			projectID, start/MaxBatchOps, end-start)
	}

	if err := g.store.DeleteProject(projectID); err != nil {
		return fmt.Errorf("failed to delete project document: %w", err)
	}

	g.logger.Printf("Deleted project %s (%d tasks cascaded)", projectID, len(tasks))
	g.noteLocal(DocEvent{Collection: ColProjects, ID: projectID, Op: OpDelete})
	return nil
}

// CreateTask writes a new task document, filling defaults.
func (g *Gateway) CreateTask(ctx context.Context, task *model.RemoteTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	task.SetDefaults()
	if err := g.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	g.logger.Printf("Created task %s (%s)", task.ID, task.Title)
	g.noteLocal(DocEvent{Collection: ColTasks, ID: task.ID, Op: OpWrite})
	return nil
}

// UpdateTask rewrites an existing task document. Returns ErrNotFound if
// the task no longer exists; a collaborator may have deleted it.
func (g *Gateway) UpdateTask(ctx context.Context, task *model.RemoteTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := g.store.GetTask(task.ID); err != nil {
		return err
	}

	task.Touch()
	if err := g.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	g.logger.Printf("Updated task %s (completed=%v)", task.ID, task.Completed)
	g.noteLocal(DocEvent{Collection: ColTasks, ID: task.ID, Op: OpWrite})
	return nil
}

// DeleteTask removes one task document. Deleting an absent task is a
// no-op.
func (g *Gateway) DeleteTask(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := g.store.DeleteTask(taskID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	g.logger.Printf("Deleted task %s", taskID)
	g.noteLocal(DocEvent{Collection: ColTasks, ID: taskID, Op: OpDelete})
	return nil
}

// SendInvitation invites an email address to a project. The inviter must
// be a member; the check happens before any write.
func (g *Gateway) SendInvitation(ctx context.Context, projectID, inviterID, inviteeEmail string) (*model.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := g.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if !p.HasMember(inviterID) {
		return nil, fmt.Errorf("%w: %s is not a member of project %s",
			ErrPermissionDenied, inviterID, projectID)
	}

	iv := &model.Invitation{
		ID:           model.NewInvitationID(),
		ProjectID:    p.ID,
		ProjectName:  p.Name,
		InviterID:    inviterID,
		InviteeEmail: inviteeEmail,
		Status:       model.InvitationPending,
		CreatedAt:    time.Now().UTC(),
	}
	if u, err := g.store.GetUser(inviterID); err == nil {
		iv.InviterName = u.Name
	}

	if err := g.store.PutInvitation(iv); err != nil {
		return nil, fmt.Errorf("failed to send invitation: %w", err)
	}

	g.logger.Printf("Sent invitation %s to %s for project %s", iv.ID, inviteeEmail, p.Name)
	g.noteLocal(DocEvent{Collection: ColInvitations, ID: iv.ID, Op: OpWrite})
	return iv, nil
}

// RespondToInvitation settles a pending invitation. Accepting adds the
// responder to the project's member set and role map, but only if not
// already present, so a redelivered accept converges. Rejecting is a
// pure status update.
func (g *Gateway) RespondToInvitation(ctx context.Context, invitationID, responderID string, accept bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// One read-modify-write cycle at a time for this process.
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	iv, err := g.store.GetInvitation(invitationID)
	if err != nil {
		return err
	}
	if err := iv.Respond(accept); err != nil {
		return err
	}

	if accept {
		p, err := g.store.GetProject(iv.ProjectID)
		if err != nil {
			return fmt.Errorf("cannot accept invitation, project gone: %w", err)
		}
		p.AddMember(responderID)
		if err := g.store.PutProject(p); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		g.noteLocal(DocEvent{Collection: ColProjects, ID: p.ID, Op: OpWrite})
	}

	if err := g.store.PutInvitation(iv); err != nil {
		return fmt.Errorf("failed to record invitation response: %w", err)
	}

	g.logger.Printf("Invitation %s %s by %s", iv.ID, iv.Status, responderID)
	g.noteLocal(DocEvent{Collection: ColInvitations, ID: iv.ID, Op: OpWrite})
	return nil
}

// BatchFetchUsers resolves a set of user ids in parallel. The result
// always holds exactly one entry per requested id, in request order; an
// id whose fetch failed or whose document is missing yields the sentinel
// unknown-user record instead of failing the batch.
func (g *Gateway) BatchFetchUsers(ctx context.Context, ids []string) []*model.User {
	results := make([]*model.User, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				results[i] = model.UnknownUser(id)
				return
			}
			u, err := g.store.GetUser(id)
			if err != nil {
				g.logger.Printf("Warning: failed to fetch user %s: %v", id, err)
				results[i] = model.UnknownUser(id)
				return
			}
			results[i] = u
		}(i, id)
	}
	wg.Wait()

	return results
}
