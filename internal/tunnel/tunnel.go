// Package tunnel exposes a local listener to the internet through an external
// tunnel provider and tracks one tunnel per chat.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTunnel is the root of every tunnel failure.
	ErrTunnel = errors.New("tunnel")

	ErrAlreadyOpen = fmt.Errorf("%w: already open", ErrTunnel)
	ErrNotOpen     = fmt.Errorf("%w: not open", ErrTunnel)
	ErrURLNotFound = fmt.Errorf("%w: public url not found", ErrTunnel)
	ErrLaunch      = fmt.Errorf("%w: launch failed", ErrTunnel)
)

const (
	DefaultStartTimeout = 10 * time.Second
	DefaultStopGrace    = 5 * time.Second
)

// State of a chat's tunnel. A chat without an entry is Idle.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Tunnel is one live tunnel.
type Tunnel interface {
	// URL is the externally reachable address.
	URL() string
	// Close tears the tunnel down, forcefully once ctx is done.
	Close(ctx context.Context) error
}

// Provider opens tunnels to local ports. Open must release everything it
// started when it fails.
type Provider interface {
	Open(ctx context.Context, port int) (Tunnel, error)
}

// Handle describes an open tunnel.
type Handle struct {
	ChatID string
	Port   int
	URL    string
}

type entry struct {
	state  State
	handle Handle
	tunnel Tunnel
	err    error
}

type Config struct {
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// Manager owns the tunnels of all hosted chats.
type Manager struct {
	provider     Provider
	startTimeout time.Duration
	stopGrace    time.Duration
	log          *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager(p Provider, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Manager{
		provider:     p,
		startTimeout: cfg.StartTimeout,
		stopGrace:    cfg.StopGrace,
		log:          log,
		entries:      map[string]*entry{},
	}
}

// Open starts a tunnel for chatID forwarding to port. It fails with
// ErrAlreadyOpen while chatID has a tunnel starting, running or stopping.
// A failed attempt leaves chatID in the Failed state until the next Open or
// Close.
func (m *Manager) Open(ctx context.Context, chatID string, port int) (Handle, error) {
	m.mu.Lock()
	if e, ok := m.entries[chatID]; ok && e.state != Failed {
		m.mu.Unlock()
		return Handle{}, ErrAlreadyOpen
	}
	e := &entry{state: Starting}
	m.entries[chatID] = e
	m.mu.Unlock()

	log := m.log.With(zap.String("chat_id", chatID), zap.Int("port", port))
	log.Info("opening tunnel")

	ctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()
	t, err := m.provider.Open(ctx, port)
	if err != nil {
		if !errors.Is(err, ErrTunnel) {
			err = fmt.Errorf("%w: %v", ErrLaunch, err)
		}
		m.mu.Lock()
		e.state = Failed
		e.err = err
		m.mu.Unlock()
		log.Warn("tunnel failed", zap.Error(err))
		return Handle{}, err
	}

	h := Handle{ChatID: chatID, Port: port, URL: t.URL()}
	m.mu.Lock()
	e.state = Running
	e.handle = h
	e.tunnel = t
	m.mu.Unlock()
	log.Info("tunnel running", zap.String("url", h.URL))
	return h, nil
}

// Close tears down the tunnel of chatID. It fails with ErrNotOpen when no
// tunnel is running for chatID, including when another Close got there first.
// Closing a failed tunnel returns it to Idle.
func (m *Manager) Close(ctx context.Context, chatID string) error {
	m.mu.Lock()
	e, ok := m.entries[chatID]
	if ok && e.state == Failed {
		delete(m.entries, chatID)
	}
	if !ok || e.state != Running {
		m.mu.Unlock()
		return ErrNotOpen
	}
	e.state = Stopping
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.stopGrace)
	defer cancel()
	err := e.tunnel.Close(ctx)

	m.mu.Lock()
	delete(m.entries, chatID)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("tunnel close", zap.String("chat_id", chatID), zap.Error(err))
	} else {
		m.log.Info("tunnel closed", zap.String("chat_id", chatID))
	}
	return err
}

// CloseAll closes every running tunnel.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.state == Running {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Close(ctx, id)
		}(id)
	}
	wg.Wait()
}

// State returns the tunnel state of chatID.
func (m *Manager) State(chatID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[chatID]; ok {
		return e.state
	}
	return Idle
}

// Err returns the error of a failed tunnel.
func (m *Manager) Err(chatID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[chatID]; ok {
		return e.err
	}
	return nil
}

// Lookup returns the handle of a running tunnel.
func (m *Manager) Lookup(chatID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[chatID]
	if !ok || e.state != Running {
		return Handle{}, false
	}
	return e.handle, true
}
