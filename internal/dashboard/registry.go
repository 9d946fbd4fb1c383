package dashboard

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
)

// ConnectionAPI is the part of the backend the registry calls.
type ConnectionAPI interface {
	Status(ctx context.Context, system model.System) (*model.Connection, error)
	BeginConnect(ctx context.Context, system model.System) (string, error)
	Disconnect(ctx context.Context, system model.System) (*model.Connection, error)
}

// Registry holds the connection state of every system for one session. A
// status it has not confirmed is always disconnected.
type Registry struct {
	api    ConnectionAPI
	logger *logger.Logger

	mu        sync.RWMutex
	conns     map[model.System]*model.Connection
	listeners []func(*model.Connection)
}

func NewRegistry(api ConnectionAPI, logger *logger.Logger) *Registry {
	r := &Registry{api: api, logger: logger}
	r.conns = disconnectedAll()
	return r
}

func disconnectedAll() map[model.System]*model.Connection {
	conns := make(map[model.System]*model.Connection, len(model.AllSystems))
	for _, system := range model.AllSystems {
		conns[system] = model.DisconnectedConnection(system)
	}
	return conns
}

// OnChange registers fn to be called after any entry changes.
func (r *Registry) OnChange(fn func(*model.Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) set(conn *model.Connection) {
	r.mu.Lock()
	stored := *conn
	r.conns[conn.System] = &stored
	listeners := append([]func(*model.Connection){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		snapshot := stored
		fn(&snapshot)
	}
}

// Get returns a copy of the entry for system.
func (r *Registry) Get(system model.System) model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.conns[system]; ok {
		return *conn
	}
	return *model.DisconnectedConnection(system)
}

func (r *Registry) Snapshot() map[model.System]model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.System]model.Connection, len(r.conns))
	for system, conn := range r.conns {
		out[system] = *conn
	}
	return out
}

func (r *Registry) Connected(system model.System) bool {
	return r.Get(system).Status == model.ConnectionConnected
}

// CheckStatus asks the backend for the state of system and stores it. Any
// failure is logged and stored as disconnected.
func (r *Registry) CheckStatus(ctx context.Context, system model.System) model.Connection {
	conn, err := r.api.Status(ctx, system)
	if err != nil {
		r.logger.Warn(&model.ConnectionError{System: system, Op: "status", Err: err})
		conn = model.DisconnectedConnection(system)
	}
	if conn == nil {
		conn = model.DisconnectedConnection(system)
	}
	conn.System = system
	if conn.Status == "" {
		// Older status answers only carry the boolean.
		conn.Status = model.ConnectionDisconnected
		if conn.Connected {
			conn.Status = model.ConnectionConnected
		}
	}
	conn.Connected = conn.Status == model.ConnectionConnected
	r.set(conn)
	return *conn
}

// CheckAll refreshes every system concurrently.
func (r *Registry) CheckAll(ctx context.Context) {
	var g errgroup.Group
	for _, system := range model.AllSystems {
		system := system
		g.Go(func() error {
			r.CheckStatus(ctx, system)
			return nil
		})
	}
	_ = g.Wait()
}

// BeginConnect marks system as connecting and returns the provider URL the
// user has to visit. The entry only leaves connecting through a later
// CheckStatus. If no URL can be obtained the prior entry is restored.
func (r *Registry) BeginConnect(ctx context.Context, system model.System) (string, error) {
	prior := r.Get(system)
	connecting := prior
	connecting.Status = model.ConnectionConnecting
	connecting.Connected = false
	connecting.Error = ""
	r.set(&connecting)

	target, err := r.api.BeginConnect(ctx, system)
	if err != nil {
		r.set(&prior)
		return "", &model.ConnectionError{System: system, Op: "connect", Err: err}
	}
	return target, nil
}

// Disconnect asks the backend to unlink system. Only a confirmed disconnect
// changes the entry, and then through a fresh status check.
func (r *Registry) Disconnect(ctx context.Context, system model.System) error {
	if _, err := r.api.Disconnect(ctx, system); err != nil {
		r.logger.Error("Failed to disconnect", system, ":", err)
		return &model.ConnectionError{System: system, Op: "disconnect", Err: err}
	}
	r.CheckStatus(ctx, system)
	return nil
}

// Ready reports whether the mail source and at least one destination are
// connected.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conns[model.SystemMail].Status != model.ConnectionConnected {
		return false
	}
	for _, system := range model.DestinationSystems {
		if r.conns[system].Status == model.ConnectionConnected {
			return true
		}
	}
	return false
}

// Reset puts every system back to disconnected, as on sign-out.
func (r *Registry) Reset() {
	for _, system := range model.AllSystems {
		r.set(model.DisconnectedConnection(system))
	}
}
