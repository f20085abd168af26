package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/cretz/bine/tor"
	"go.uber.org/zap"
)

// TorConfig configures the embedded tor process.
type TorConfig struct {
	// DataDir holds tor state. Empty uses a temporary directory.
	DataDir string
	// ExePath is the tor executable. Empty looks up "tor" in PATH.
	ExePath string
	// Debug receives tor's debug output when set.
	Debug io.Writer
}

// TorProvider publishes onion services that forward to local ports. A single
// tor process is started on first use and shared by every tunnel.
type TorProvider struct {
	cfg TorConfig
	log *zap.Logger

	mu  sync.Mutex
	tor *tor.Tor
}

func NewTorProvider(cfg TorConfig, log *zap.Logger) *TorProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &TorProvider{cfg: cfg, log: log}
}

func (p *TorProvider) start(ctx context.Context) (*tor.Tor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tor != nil {
		return p.tor, nil
	}

	debug := p.cfg.Debug
	if debug == nil {
		debug = io.Discard
	}
	t, err := tor.Start(ctx, &tor.StartConf{
		ExePath:     p.cfg.ExePath,
		DataDir:     p.cfg.DataDir,
		DebugWriter: debug,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tor start: %v", ErrLaunch, err)
	}
	p.log.Info("bootstrapping tor network")
	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: tor network: %v", ErrLaunch, err)
	}
	p.tor = t
	return t, nil
}

// Open publishes a v3 onion service on port 80 and forwards its connections
// to the local port.
func (p *TorProvider) Open(ctx context.Context, port int) (Tunnel, error) {
	t, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	onion, err := t.Listen(ctx, &tor.ListenConf{RemotePorts: []int{80}, Version3: true})
	if err != nil {
		return nil, fmt.Errorf("%w: onion service: %v", ErrURLNotFound, err)
	}

	ot := &onionTunnel{
		onion:  onion,
		target: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		url:    "http://" + onion.ID + ".onion",
		log:    p.log,
		done:   make(chan struct{}),
	}
	go ot.forward()
	return ot, nil
}

// Dialer returns a dialer that routes through tor, for joining onion chats.
func (p *TorProvider) Dialer(ctx context.Context) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	t, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	d, err := t.Dialer(ctx, nil)
	if err != nil {
		return nil, err
	}
	return d.DialContext, nil
}

// Close stops the shared tor process.
func (p *TorProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tor == nil {
		return nil
	}
	err := p.tor.Close()
	p.tor = nil
	return err
}

type onionTunnel struct {
	onion  *tor.OnionService
	target string
	url    string
	log    *zap.Logger
	once   sync.Once
	done   chan struct{}
}

func (t *onionTunnel) URL() string { return t.url }

func (t *onionTunnel) forward() {
	defer close(t.done)
	for {
		in, err := t.onion.Accept()
		if err != nil {
			return
		}
		go func() {
			defer in.Close()
			out, err := net.Dial("tcp", t.target)
			if err != nil {
				t.log.Warn("onion forward dial", zap.String("target", t.target), zap.Error(err))
				return
			}
			defer out.Close()
			go io.Copy(out, in)
			io.Copy(in, out)
		}()
	}
}

// Close removes the onion service. In-flight connections end when the local
// listener shuts down.
func (t *onionTunnel) Close(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		err = t.onion.Close()
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	})
	return err
}
