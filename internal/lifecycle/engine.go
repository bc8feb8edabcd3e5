// Package lifecycle assembles and owns the sync engine's components.
//
// The Engine is constructed explicitly and passed by reference to
// whatever needs sync control; there is no package-level singleton and
// no ambient lookup. Start and Close are idempotent, so login/logout
// signals and shutdown hooks can call them without bookkeeping.
package lifecycle

import (
	"fmt"
	"log"
	"sync"

	"github.com/kball/taskmesh/internal/cache"
	"github.com/kball/taskmesh/internal/config"
	"github.com/kball/taskmesh/internal/events"
	"github.com/kball/taskmesh/internal/remote"
	"github.com/kball/taskmesh/internal/syncer"
)

// Engine owns the gateway, cache, coordinator, and optional event
// server.
type Engine struct {
	cfg    *config.Config
	logger *log.Logger

	gateway     *remote.Gateway
	cache       *cache.Store
	coordinator *syncer.Coordinator
	events      *events.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

// New assembles an engine from configuration. Nothing is started; call
// Start.
func New(cfg *config.Config) (*Engine, error) {
	logger := cfg.NewLogger("[engine] ")

	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	gateway, err := remote.NewGateway(cfg.StoreDir, cfg.NewLogger("[remote] "))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	var eventServer *events.Server
	var sink syncer.EventSink
	if cfg.EventsPort > 0 {
		eventServer = events.NewServer(cfg.EventsPort, cfg.NewLogger("[events] "))
		sink = eventServer
	}

	coordinator := syncer.New(gateway, store, cfg.NewLogger("[sync] "), sink)

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		gateway:     gateway,
		cache:       store,
		coordinator: coordinator,
		events:      eventServer,
	}, nil
}

// Gateway returns the remote store gateway.
func (e *Engine) Gateway() *remote.Gateway { return e.gateway }

// Cache returns the local cache store.
func (e *Engine) Cache() *cache.Store { return e.cache }

// Coordinator returns the sync coordinator.
func (e *Engine) Coordinator() *syncer.Coordinator { return e.coordinator }

// Start brings the engine up for one member: starts the gateway
// dispatch, the event server when configured, and membership-driven
// project sync. Calling Start on a started engine is a no-op.
//
// Wire this to the identity layer's login signal.
func (e *Engine) Start(memberID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.started {
		return nil
	}

	if err := e.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if e.events != nil {
		if err := e.events.Start(); err != nil {
			return fmt.Errorf("failed to start event server: %w", err)
		}
	}

	if memberID != "" {
		e.coordinator.StartSyncForMember(memberID)
	}
	if e.cfg.MemberEmail != "" {
		e.coordinator.StartInvitationSync(e.cfg.MemberEmail)
	}

	e.started = true
	e.logger.Printf("Engine started (member=%s)", memberID)
	return nil
}

// Stop tears down all subscriptions but keeps the engine reusable.
//
// Wire this to the identity layer's logout signal.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}

	e.coordinator.StopAll()
	e.gateway.RemoveAllSubscriptions()
	e.started = false
	e.logger.Println("Engine stopped")
}

// Close shuts everything down. Safe to call more than once, and safe to
// call on an engine that never started.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		e.coordinator.StopAll()
	}

	var firstErr error
	if err := e.gateway.Close(); err != nil {
		firstErr = err
	}
	if e.events != nil && started {
		if err := e.events.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.logger.Println("Engine closed")
	return firstErr
}
