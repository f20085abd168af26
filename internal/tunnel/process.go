package tunnel

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process is a running tunnel binary.
type Process interface {
	// Stderr is the diagnostic stream. It ends when the process exits and
	// must be read until it does.
	Stderr() io.Reader
	// Terminate asks the process to exit.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts processes.
type Launcher interface {
	Launch(name string, args ...string) (Process, error)
}

// ExecLauncher starts real processes.
type ExecLauncher struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *drainedPipe
	done   chan struct{}
}

// drainedPipe closes the read end of a pipe once a read fails, which for
// a pipe whose writer is gone means the output has been drained.
type drainedPipe struct {
	f    *os.File
	once sync.Once
}

func (d *drainedPipe) Read(b []byte) (int, error) {
	n, err := d.f.Read(b)
	if err != nil {
		d.once.Do(func() { d.f.Close() })
	}
	return n, err
}

func (ExecLauncher) Launch(name string, args ...string) (Process, error) {
	// A plain pipe instead of StderrPipe so Wait does not close the read
	// side under the scanner.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close()

	p := &execProcess{cmd: cmd, stderr: &drainedPipe{f: r}, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is unsupported on some platforms.
		return p.Kill()
	}
	return nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}

// CloudflaredArgs runs a quick tunnel to the local port without self-update.
func CloudflaredArgs(port int) []string {
	return []string{"tunnel", "--url", "http://localhost:" + strconv.Itoa(port), "--no-autoupdate"}
}

type ProcessConfig struct {
	Binary string
	// Args builds the argument list for a port. Defaults to CloudflaredArgs.
	Args func(port int) []string
	// Pattern matches the public URL in the process output. Defaults to
	// TryCloudflarePattern.
	Pattern   *regexp.Regexp
	StopGrace time.Duration
}

// ProcessProvider runs one tunnel binary per tunnel and reads the public URL
// from its stderr.
type ProcessProvider struct {
	cfg      ProcessConfig
	launcher Launcher
	log      *zap.Logger
}

// NewProcessProvider returns a provider. A nil launcher runs real processes.
func NewProcessProvider(cfg ProcessConfig, launcher Launcher, log *zap.Logger) *ProcessProvider {
	if log == nil {
		log = zap.NewNop()
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if cfg.Args == nil {
		cfg.Args = CloudflaredArgs
	}
	if cfg.Pattern == nil {
		cfg.Pattern = TryCloudflarePattern
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &ProcessProvider{cfg: cfg, launcher: launcher, log: log}
}

// Open launches the binary and waits, bounded by ctx, for its URL. The
// process is killed when no URL shows up.
func (p *ProcessProvider) Open(ctx context.Context, port int) (Tunnel, error) {
	proc, err := p.launcher.Launch(p.cfg.Binary, p.cfg.Args(port)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, p.cfg.Binary, err)
	}

	url, err := DiscoverURL(ctx, proc.Stderr(), p.cfg.Pattern, 0)
	if err != nil {
		proc.Kill()
		select {
		case <-proc.Done():
		case <-time.After(p.cfg.StopGrace):
			p.log.Error("tunnel process did not exit after kill", zap.String("binary", p.cfg.Binary))
		}
		return nil, err
	}
	return &processTunnel{url: url, proc: proc, grace: p.cfg.StopGrace, log: p.log}, nil
}

type processTunnel struct {
	url   string
	proc  Process
	grace time.Duration
	log   *zap.Logger
	once  sync.Once
	err   error
}

func (t *processTunnel) URL() string { return t.url }

// Close terminates the process and kills it if it outlives the grace period
// or ctx.
func (t *processTunnel) Close(ctx context.Context) error {
	t.once.Do(func() {
		if err := t.proc.Terminate(); err != nil {
			t.log.Warn("terminate tunnel process", zap.Error(err))
		}
		timer := time.NewTimer(t.grace)
		defer timer.Stop()
		select {
		case <-t.proc.Done():
			return
		case <-timer.C:
		case <-ctx.Done():
		}
		t.log.Warn("tunnel process still running, killing", zap.String("url", t.url))
		t.err = t.proc.Kill()
		select {
		case <-t.proc.Done():
		case <-time.After(t.grace):
			t.err = fmt.Errorf("tunnel process did not exit after kill")
		}
	})
	return t.err
}
