// Package server runs a hosted chat's HTTP listener on a loopback port.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pliu/peerchat/internal/middleware"
	"go.uber.org/zap"
)

const (
	DefaultBindAttempts    = 3
	DefaultShutdownTimeout = 5 * time.Second

	loopback = "127.0.0.1:0"
)

var (
	// ErrBindFailed is returned by Start when no port could be bound.
	ErrBindFailed = errors.New("listener: bind failed")

	// ErrAlreadyStarted is returned by Start on a running listener.
	ErrAlreadyStarted = errors.New("listener: already started")
)

type Config struct {
	BindAttempts    int
	ShutdownTimeout time.Duration
}

// Listener serves a handler on an ephemeral loopback port. net/http runs
// each connection on its own goroutine; panics are answered with 500.
type Listener struct {
	handler         http.Handler
	attempts        int
	shutdownTimeout time.Duration
	log             *zap.Logger

	// listen is replaced in tests.
	listen func(network, address string) (net.Listener, error)

	mu   sync.Mutex
	srv  *http.Server
	port int
	done chan struct{}
}

func New(handler http.Handler, cfg Config, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = DefaultBindAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Listener{
		handler:         middleware.Recover(log)(handler),
		attempts:        cfg.BindAttempts,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
		listen:          net.Listen,
	}
}

// Start binds a port and begins serving in the background.
func (l *Listener) Start() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return 0, ErrAlreadyStarted
	}

	var ln net.Listener
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		ln, err = l.listen("tcp", loopback)
		if err == nil {
			break
		}
		l.log.Warn("bind failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return 0, fmt.Errorf("%w after %d attempts: %v", ErrBindFailed, l.attempts, err)
	}

	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("serve", zap.Error(err))
		}
	}()

	l.srv = srv
	l.done = done
	l.port = ln.Addr().(*net.TCPAddr).Port
	l.log.Info("listening", zap.Int("port", l.port))
	return l.port, nil
}

// Port returns the bound port, or 0 when stopped.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Stop closes the socket, waits up to the shutdown timeout for in-flight
// requests, then closes remaining connections. It is a no-op when the
// listener is not running.
func (l *Listener) Stop() error {
	l.mu.Lock()
	srv, done := l.srv, l.done
	l.srv, l.done, l.port = nil, nil, 0
	l.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		l.log.Warn("graceful shutdown timed out", zap.Error(err))
		err = srv.Close()
	}

	select {
	case <-done:
	case <-time.After(l.shutdownTimeout):
		l.log.Warn("serve loop did not exit")
	}
	return err
}
