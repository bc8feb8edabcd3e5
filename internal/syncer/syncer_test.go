package syncer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/model"
	"github.com/kball/taskmesh/internal/remote"
)

// setupCoordinator builds a coordinator over a temporary store and cache
// with the gateway started.
func setupCoordinator(t *testing.T) (*Coordinator, *remote.Gateway, *cache.Store) {
	t.Helper()

	logger := log.New(os.Stderr, "[test] ", 0)

	g, err := remote.NewGateway(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("failed to start gateway: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := New(g, store, logger, nil)
	t.Cleanup(c.StopAll)

	return c, g, store
}

// waitFor polls until cond is true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func remoteTask(id, projectID, title string) *model.RemoteTask {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.RemoteTask{
		ID:        id,
		ProjectID: projectID,
		Title:     title,
		CreatorID: "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// countWrites drains the change feed and counts insert/update events.
func countWrites(ch <-chan cache.Change) int {
	n := 0
	for {
		select {
		case c := <-ch:
			if c.Op == cache.OpInsert || c.Op == cache.OpUpdate {
				n++
			}
		default:
			return n
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	c, _, store := setupCoordinator(t)

	snapshot := []*model.RemoteTask{remoteTask("t1", "p1", "Ship release")}

	ch, cancel := store.Subscribe()
	defer cancel()

	c.reconcile("p1", snapshot)
	if got := countWrites(ch); got != 1 {
		t.Errorf("first pass: expected 1 write, got %d", got)
	}

	// Redelivered identical snapshot must be a no-op.
	c.reconcile("p1", snapshot)
	if got := countWrites(ch); got != 0 {
		t.Errorf("second pass: expected 0 writes, got %d", got)
	}
}

func TestReconcileUpsertUniqueness(t *testing.T) {
	c, _, store := setupCoordinator(t)

	task := remoteTask("t1", "p1", "Ship release")

	c.reconcile("p1", []*model.RemoteTask{task})
	changed := remoteTask("t1", "p1", "Ship release v2")
	changed.Touch()
	c.reconcile("p1", []*model.RemoteTask{changed})
	c.reconcile("p1", []*model.RemoteTask{changed})

	recs, err := store.List(cache.ListFilter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 record for t1, got %d", len(recs))
	}
	if recs[0].Title != "Ship release v2" {
		t.Errorf("update not applied: %q", recs[0].Title)
	}
}

func TestReconcileDeletesMissing(t *testing.T) {
	c, _, store := setupCoordinator(t)

	c.reconcile("p1", []*model.RemoteTask{
		remoteTask("t1", "p1", "Stays"),
		remoteTask("t2", "p1", "Goes"),
	})

	// t2 disappeared from the snapshot: a collaborator deleted it.
	c.reconcile("p1", []*model.RemoteTask{remoteTask("t1", "p1", "Stays")})

	if _, err := store.GetByRemoteID("t2"); err != cache.ErrNotFound {
		t.Errorf("expected t2 mirror deleted, got %v", err)
	}
	if _, err := store.GetByRemoteID("t1"); err != nil {
		t.Errorf("t1 mirror should survive: %v", err)
	}
}

func TestReconcileSkipsLocalTasks(t *testing.T) {
	c, _, store := setupCoordinator(t)

	now := time.Now().UTC()
	local := &cache.TaskRecord{Title: "Purely local", CreatedAt: now, UpdatedAt: now}
	if _, err := store.Insert(local); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// An empty snapshot must not touch non-collaborative records.
	c.reconcile("p1", nil)

	if _, err := store.GetByID(local.ID); err != nil {
		t.Errorf("local task must survive reconciliation: %v", err)
	}
}

func TestStartSyncRestart(t *testing.T) {
	c, _, _ := setupCoordinator(t)

	c.StartSync("p1", "Alpha")
	c.StartSync("p1", "Alpha")

	if !c.Subscribed("p1") {
		t.Error("expected p1 subscribed")
	}
	if got := len(c.ActiveProjects()); got != 1 {
		t.Errorf("expected 1 active project after restart, got %d", got)
	}
}

func TestStopSyncNoop(t *testing.T) {
	c, _, _ := setupCoordinator(t)

	// Stopping an unsubscribed project is a no-op.
	c.StopSync("never-subscribed")
	c.StopAll()
	c.StopAll()
}

func TestPushLocalCompletionLocalOnly(t *testing.T) {
	c, g, _ := setupCoordinator(t)

	now := time.Now().UTC()
	rec := &cache.TaskRecord{ID: 1, Title: "Local", Completed: true, CreatedAt: now, UpdatedAt: now}

	if err := c.PushLocalCompletion(context.Background(), rec); err != nil {
		t.Fatalf("PushLocalCompletion failed: %v", err)
	}

	// Nothing was written upstream.
	tasks, err := g.Store().ListTasksByProject("")
	if err != nil {
		t.Fatalf("ListTasksByProject failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("local-only record must not be pushed, found %d tasks", len(tasks))
	}
}

func TestHandleRemoteTaskDeleted(t *testing.T) {
	c, _, store := setupCoordinator(t)

	c.reconcile("p1", []*model.RemoteTask{remoteTask("t1", "p1", "Doomed")})

	if err := c.HandleRemoteTaskDeleted("t1"); err != nil {
		t.Fatalf("HandleRemoteTaskDeleted failed: %v", err)
	}
	if _, err := store.GetByRemoteID("t1"); err != cache.ErrNotFound {
		t.Errorf("expected mirror deleted, got %v", err)
	}

	// Idempotent.
	if err := c.HandleRemoteTaskDeleted("t1"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestHandleProjectDeleted(t *testing.T) {
	c, _, store := setupCoordinator(t)

	c.StartSync("p1", "Alpha")
	c.reconcile("p1", []*model.RemoteTask{
		remoteTask("t1", "p1", "One"),
		remoteTask("t2", "p1", "Two"),
		remoteTask("t3", "p1", "Three"),
	})

	if err := c.HandleProjectDeleted("p1"); err != nil {
		t.Fatalf("HandleProjectDeleted failed: %v", err)
	}

	n, err := store.CountByProject("p1")
	if err != nil {
		t.Fatalf("CountByProject failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 records for p1, got %d", n)
	}
	if c.Subscribed("p1") {
		t.Error("expected subscription removed")
	}
}

// TestLiveScenario walks the full loop: a remote task appears and is
// mirrored, its completion is toggled locally and pushed upstream, and
// the remote deletion removes the mirror.
func TestLiveScenario(t *testing.T) {
	c, g, store := setupCoordinator(t)
	ctx := context.Background()

	p, err := g.CreateProject(ctx, "Alpha", "", "user-1")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	c.StartSyncForMember("user-1")

	waitFor(t, 2*time.Second, func() bool {
		return c.Subscribed(p.ID)
	}, "membership-driven subscription")

	task := &model.RemoteTask{ProjectID: p.ID, Title: "Ship release", CreatorID: "user-1"}
	if err := g.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	var rec *cache.TaskRecord
	waitFor(t, 2*time.Second, func() bool {
		r, err := store.GetByRemoteID(task.ID)
		if err != nil {
			return false
		}
		rec = r
		return true
	}, "task mirrored into cache")

	if !rec.Collaborative || rec.ProjectID != p.ID || rec.ProjectName != "Alpha" {
		t.Errorf("unexpected mirror: %+v", rec)
	}

	// Complete locally and push upstream.
	now := time.Now().UTC()
	rec.Completed = true
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	if err := store.Update(rec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := c.PushLocalCompletion(ctx, rec); err != nil {
		t.Fatalf("PushLocalCompletion failed: %v", err)
	}

	remoteGot, err := g.Store().GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !remoteGot.Completed {
		t.Error("completion not pushed upstream")
	}

	// Remote deletion removes the mirror on the next snapshot.
	if err := g.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := store.GetByRemoteID(task.ID)
		return err == cache.ErrNotFound
	}, "mirror removed after remote delete")
}

// recordingSink captures published events for inspection.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) last(typ string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func TestInvitationSyncPublishesUpdates(t *testing.T) {
	_, g, store := setupCoordinator(t)
	ctx := context.Background()

	sink := &recordingSink{}
	c := New(g, store, log.New(os.Stderr, "[test] ", 0), sink)
	t.Cleanup(c.StopAll)

	p, err := g.CreateProject(ctx, "Alpha", "", "user-1")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	c.StartInvitationSync("invitee@example.com")

	if _, err := g.SendInvitation(ctx, p.ID, "user-1", "invitee@example.com"); err != nil {
		t.Fatalf("SendInvitation failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		evt, ok := sink.last("invitation_update")
		return ok && evt.Applied == 1
	}, "invitation event with one pending invitation")

	// Restart replaces the stream without leaking the old one.
	c.StartInvitationSync("invitee@example.com")
	c.StopAll()
}

// TestMirrorSurvivesStoreReadFailure verifies that a store read error
// never masquerades as an empty snapshot: cached mirrors stay in their
// last-known-good state until the store reads cleanly again.
func TestMirrorSurvivesStoreReadFailure(t *testing.T) {
	c, g, store := setupCoordinator(t)
	ctx := context.Background()

	p, err := g.CreateProject(ctx, "Alpha", "", "user-1")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	c.StartSyncForMember("user-1")

	task := &model.RemoteTask{ProjectID: p.ID, Title: "Survivor", CreatorID: "user-1"}
	if err := g.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := store.GetByRemoteID(task.ID)
		return err == nil
	}, "task mirrored")

	// A garbage document makes task listing fail; the triggered
	// recompute must not deliver an empty snapshot that would purge
	// the mirror.
	corrupt := filepath.Join(g.Store().CollectionDir(remote.ColTasks), "task-corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to plant corrupt document: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := store.GetByRemoteID(task.ID); err != nil {
		t.Fatalf("mirror purged by failed store read: %v", err)
	}

	// After repair, reconciliation resumes and the mirror persists.
	if err := os.Remove(corrupt); err != nil {
		t.Fatalf("failed to remove corrupt document: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := store.GetByRemoteID(task.ID); err != nil {
		t.Fatalf("mirror lost after store repaired: %v", err)
	}
}

// TestMembershipTeardown verifies that a project vanishing from the
// membership stream tears down its subscription and cached records.
func TestMembershipTeardown(t *testing.T) {
	c, g, store := setupCoordinator(t)
	ctx := context.Background()

	keep, err := g.CreateProject(ctx, "Keep", "", "user-1")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	drop, err := g.CreateProject(ctx, "Drop", "", "user-1")
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	c.StartSyncForMember("user-1")
	waitFor(t, 2*time.Second, func() bool {
		return c.Subscribed(keep.ID) && c.Subscribed(drop.ID)
	}, "both projects subscribed")

	task := &model.RemoteTask{ProjectID: drop.ID, Title: "Orphan-to-be", CreatorID: "user-1"}
	if err := g.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, err := store.GetByRemoteID(task.ID)
		return err == nil
	}, "task mirrored")

	if err := g.DeleteProjectCascade(ctx, drop.ID, "user-1"); err != nil {
		t.Fatalf("DeleteProjectCascade failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return !c.Subscribed(drop.ID)
	}, "stale subscription torn down")

	waitFor(t, 2*time.Second, func() bool {
		n, err := store.CountByProject(drop.ID)
		return err == nil && n == 0
	}, "cached records removed")

	if !c.Subscribed(keep.ID) {
		t.Error("surviving project must stay subscribed")
	}
}
