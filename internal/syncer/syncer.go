// Package syncer drives reconciliation between the shared document store
// and the local cache.
//
// The coordinator owns one live task subscription per project. Every
// snapshot a subscription delivers is reconciled in a single pass:
// unknown remote tasks are inserted, changed ones are updated, and local
// mirrors whose remote task vanished are deleted. Snapshots carrying no
// changes produce no cache writes, so redelivered snapshots are no-ops.
//
// Completion edits made locally flow the other way: a collaborative
// record maps back to its remote document and is pushed through the
// gateway, where collaborators' own subscriptions pick it up.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/mapper"
	"github.com/kball/taskmesh/internal/model"
	"github.com/kball/taskmesh/internal/remote"
)

// ErrNotSubscribed is returned when an operation needs an active
// subscription that does not exist.
var ErrNotSubscribed = errors.New("syncer: project not subscribed")

// Event describes a sync-visible state change, for observers such as the
// websocket event server.
type Event struct {
	Type      string `json:"type"` // task_synced, task_deleted, project_removed, sync_pass, invitation_update
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Applied   int    `json:"applied,omitempty"`
}

// EventSink receives sync events. Implementations must not block.
type EventSink interface {
	Publish(Event)
}

// Coordinator reconciles remote snapshots into the local cache and
// pushes local completion edits upstream.
type Coordinator struct {
	gateway *remote.Gateway
	cache   *cache.Store
	logger  *log.Logger
	sink    EventSink

	mu          sync.Mutex
	projects    map[string]*projectSync
	membership  *remote.Subscription[[]*model.RemoteProject]
	invitations *remote.Subscription[[]*model.Invitation]
	wg          sync.WaitGroup
}

// projectSync is one project's live subscription state.
type projectSync struct {
	sub  *remote.Subscription[[]*model.RemoteTask]
	name string
}

// New creates a coordinator. If logger is nil, a default stderr logger
// is used. sink may be nil.
func New(gateway *remote.Gateway, store *cache.Store, logger *log.Logger, sink EventSink) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		gateway:  gateway,
		cache:    store,
		logger:   logger,
		sink:     sink,
		projects: make(map[string]*projectSync),
	}
}

// StartSync opens a live task stream for a project and reconciles every
// snapshot it delivers. If the project is already subscribed, the
// existing subscription is torn down first, so StartSync doubles as a
// restart.
func (c *Coordinator) StartSync(projectID, projectName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startSyncLocked(projectID, projectName)
}

func (c *Coordinator) startSyncLocked(projectID, projectName string) {
	if existing, ok := c.projects[projectID]; ok {
		existing.sub.Cancel()
		delete(c.projects, projectID)
		c.logger.Printf("Restarting sync for project %s", projectID)
	}

	ps := &projectSync{
		sub:  c.gateway.SubscribeTasksForProject(projectID),
		name: projectName,
	}
	c.projects[projectID] = ps

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snapshot := range ps.sub.Updates() {
			c.reconcile(projectID, snapshot)
		}
	}()

	c.logger.Printf("Started sync for project %s (%s)", projectID, projectName)
}

// StopSync detaches a project's stream. No-op if not subscribed.
// In-flight writes from an already-delivered snapshot may still land.
func (c *Coordinator) StopSync(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSyncLocked(projectID)
}

func (c *Coordinator) stopSyncLocked(projectID string) {
	ps, ok := c.projects[projectID]
	if !ok {
		return
	}
	ps.sub.Cancel()
	delete(c.projects, projectID)
	c.logger.Printf("Stopped sync for project %s", projectID)
}

// StopAll detaches the membership stream and every per-project stream.
// Safe to call when nothing is active.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	if c.membership != nil {
		c.membership.Cancel()
		c.membership = nil
	}
	if c.invitations != nil {
		c.invitations.Cancel()
		c.invitations = nil
	}
	ids := make([]string, 0, len(c.projects))
	for id := range c.projects {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.stopSyncLocked(id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// StartSyncForMember subscribes to the member's project list and keeps
// per-project subscriptions in step with it: projects joining the list
// gain a subscription, and projects leaving it are torn down and their
// cached tasks removed, since the member can no longer reach them.
func (c *Coordinator) StartSyncForMember(memberID string) {
	c.mu.Lock()
	if c.membership != nil {
		c.membership.Cancel()
	}
	sub := c.gateway.SubscribeProjectsForMember(memberID)
	c.membership = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snapshot := range sub.Updates() {
			c.applyMembership(snapshot)
		}
	}()

	c.logger.Printf("Started membership sync for %s", memberID)
}

// StartInvitationSync subscribes to the pending invitations addressed to
// email. Every delivered snapshot is surfaced to the event sink with the
// pending count, so observers can show an invitation badge.
func (c *Coordinator) StartInvitationSync(email string) {
	c.mu.Lock()
	if c.invitations != nil {
		c.invitations.Cancel()
	}
	sub := c.gateway.SubscribeInvitations(email)
	c.invitations = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snapshot := range sub.Updates() {
			c.publish(Event{Type: "invitation_update", Applied: len(snapshot)})
		}
	}()

	c.logger.Printf("Started invitation sync for %s", email)
}

// applyMembership diffs the delivered project list against the active
// subscription set.
func (c *Coordinator) applyMembership(projects []*model.RemoteProject) {
	current := make(map[string]string, len(projects))
	for _, p := range projects {
		current[p.ID] = p.Name
	}

	var stale []string

	c.mu.Lock()
	if c.membership == nil {
		// StopAll ran after this snapshot was delivered.
		c.mu.Unlock()
		return
	}
	for id, name := range current {
		if ps, ok := c.projects[id]; ok {
			ps.name = name
			continue
		}
		c.startSyncLocked(id, name)
	}
	for id := range c.projects {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		c.stopSyncLocked(id)
	}
	c.mu.Unlock()

	for _, id := range stale {
		if _, err := c.cache.DeleteByProject(id); err != nil {
			c.logger.Printf("Error removing records for departed project %s: %v", id, err)
		}
		c.publish(Event{Type: "project_removed", ProjectID: id})
	}
}

// reconcile applies one task snapshot to the cache.
//
// The pass is idempotent: a task already mirrored with equivalent fields
// produces no write, so redelivered identical snapshots are no-ops.
func (c *Coordinator) reconcile(projectID string, tasks []*model.RemoteTask) {
	projectName := c.projectName(projectID)

	seen := make(map[string]struct{}, len(tasks))
	applied := 0

	for _, task := range tasks {
		seen[task.ID] = struct{}{}

		rec, err := c.cache.GetByRemoteID(task.ID)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			rec = mapper.ToLocal(task, projectName)
			if rec == nil {
				continue
			}
			if _, err := c.cache.Insert(rec); err != nil {
				c.logger.Printf("Error inserting mirror for task %s: %v", task.ID, err)
				continue
			}
			applied++
			c.publish(Event{Type: "task_synced", ProjectID: projectID, TaskID: task.ID})

		case err != nil:
			c.logger.Printf("Error looking up mirror for task %s: %v", task.ID, err)

		case !mapper.Equivalent(rec, task):
			mapper.ApplyRemoteUpdate(rec, task, projectName)
			if err := c.cache.Update(rec); err != nil {
				c.logger.Printf("Error updating mirror for task %s: %v", task.ID, err)
				continue
			}
			applied++
			c.publish(Event{Type: "task_synced", ProjectID: projectID, TaskID: task.ID})
		}
	}

	// The snapshot is the full task list for the project; local mirrors
	// missing from it were deleted remotely.
	locals, err := c.cache.List(cache.ListFilter{ProjectID: projectID, CollaborativeOnly: true})
	if err != nil {
		c.logger.Printf("Error listing mirrors for project %s: %v", projectID, err)
	} else {
		for _, rec := range locals {
			if _, ok := seen[rec.RemoteTaskID]; ok {
				continue
			}
			if err := c.cache.Delete(rec.ID); err != nil {
				c.logger.Printf("Error deleting stale mirror %d: %v", rec.ID, err)
				continue
			}
			applied++
			c.publish(Event{Type: "task_deleted", ProjectID: projectID, TaskID: rec.RemoteTaskID})
		}
	}

	if applied > 0 {
		c.logger.Printf("Reconciled project %s: %d change(s)", projectID, applied)
	}
	c.publish(Event{Type: "sync_pass", ProjectID: projectID, Applied: applied})
}

// PushLocalCompletion propagates a locally edited record upstream. No-op
// for records that do not mirror a remote task.
func (c *Coordinator) PushLocalCompletion(ctx context.Context, rec *cache.TaskRecord) error {
	task := mapper.ToRemote(rec)
	if task == nil {
		return nil
	}

	if err := c.gateway.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to push completion for task %s: %w", task.ID, err)
	}

	c.logger.Printf("Pushed completion for task %s (completed=%v)", task.ID, task.Completed)
	return nil
}

// HandleRemoteTaskDeleted removes the local mirror of a deleted remote
// task. Idempotent.
func (c *Coordinator) HandleRemoteTaskDeleted(remoteTaskID string) error {
	if err := c.cache.DeleteByRemoteID(remoteTaskID); err != nil {
		return err
	}
	c.publish(Event{Type: "task_deleted", TaskID: remoteTaskID})
	return nil
}

// HandleProjectDeleted removes every cached record under a project and
// stops its subscription.
func (c *Coordinator) HandleProjectDeleted(projectID string) error {
	n, err := c.cache.DeleteByProject(projectID)
	if err != nil {
		return err
	}
	c.StopSync(projectID)

	c.logger.Printf("Project %s deleted: removed %d cached record(s)", projectID, n)
	c.publish(Event{Type: "project_removed", ProjectID: projectID})
	return nil
}

// Subscribed reports whether a project has an active subscription.
func (c *Coordinator) Subscribed(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.projects[projectID]
	return ok
}

// ActiveProjects returns the ids of all subscribed projects.
func (c *Coordinator) ActiveProjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.projects))
	for id := range c.projects {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) projectName(projectID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.projects[projectID]; ok {
		return ps.name
	}
	return ""
}

func (c *Coordinator) publish(evt Event) {
	if c.sink != nil {
		c.sink.Publish(evt)
	}
}
