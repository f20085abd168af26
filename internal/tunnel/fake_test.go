package tunnel

import (
	"errors"
	"io"
	"sync"
)

type fakeProcess struct {
	name string
	args []string

	r *io.PipeReader
	w *io.PipeWriter

	// ignoreTerm makes Terminate a no-op, like a process that hangs.
	ignoreTerm bool

	mu         sync.Mutex
	terminated bool
	killed     bool
	once       sync.Once
	done       chan struct{}
}

func newFakeProcess(name string, args []string) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{name: name, args: args, r: r, w: w, done: make(chan struct{})}
}

func (p *fakeProcess) Stderr() io.Reader     { return p.r }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// say writes a line to stderr in the background.
func (p *fakeProcess) say(line string) {
	go io.WriteString(p.w, line+"\n")
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fakeLauncher hands out fake processes. onLaunch scripts each one.
type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	fail     bool
	onLaunch func(p *fakeProcess)
}

func (l *fakeLauncher) Launch(name string, args ...string) (Process, error) {
	if l.fail {
		return nil, errors.New("exec: file not found")
	}
	p := newFakeProcess(name, args)
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	if l.onLaunch != nil {
		l.onLaunch(p)
	}
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.procs...)
}
