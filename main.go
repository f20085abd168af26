package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pliu/peerchat/internal/config"
	"github.com/pliu/peerchat/internal/keystore"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/remote"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/pliu/peerchat/internal/server"
	"github.com/pliu/peerchat/internal/session"
	"github.com/pliu/peerchat/internal/store/sqlstore"
	"github.com/pliu/peerchat/internal/trust"
	"github.com/pliu/peerchat/internal/tunnel"
)

const usage = `usage: peerchat [flags] <command> [args]

commands:
  host <name>                 host a new chat and print its invitation
  resume <chat-id>            host a stored chat again
  join <invitation>           join a chat (or --qr <image>)
  chats                       list stored chats
  keys                        print the local identity and public key
  trust list                  list trusted peers
  trust add <id> <pem> [name] trust a peer key read from a PEM file
  trust remove <id>           forget a peer
  update-tunnel               refresh the cloudflared binary
`

// app holds the long-lived components shared by every command.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	keys     *keystore.KeyStore
	trust    *trust.Registry
	channel  *securechannel.Channel
	store    *sqlstore.SQLStore
	tor      *tunnel.TorProvider
	updater  *tunnel.Updater
	sessions *session.Manager

	closeOnce sync.Once
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if len(cfg.Args) == 0 && cfg.QRImage == "" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		log.Fatal("startup", zap.Error(err))
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, cfg.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if class := session.Classify(err); class != session.Other {
			fmt.Fprintln(os.Stderr, class)
		}
		a.close()
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	a.keys = keystore.New(cfg.DataDir, log.Named("keystore"))
	if _, err := a.keys.GetOrCreate(); err != nil {
		return nil, err
	}
	if a.keys.Created() {
		log.Info("generated a new identity key", zap.String("dir", cfg.DataDir))
	}

	var err error
	if a.trust, err = trust.Open(filepath.Join(cfg.DataDir, trust.FileName), log.Named("trust")); err != nil {
		return nil, err
	}
	self := models.Sender{Identity: cfg.PeerIdentity(), DisplayName: cfg.Name()}
	a.channel = securechannel.New(a.keys, a.trust, self, cfg.Policy(), log.Named("securechannel"))

	if a.store, err = sqlstore.New("sqlite3", filepath.Join(cfg.DataDir, "chats.db")); err != nil {
		return nil, err
	}

	a.tor = tunnel.NewTorProvider(tunnel.TorConfig{DataDir: cfg.Tunnel.TorDataDir}, log.Named("tor"))
	a.updater = tunnel.NewUpdater(tunnel.UpdaterConfig{
		Binary:     cfg.Tunnel.Binary,
		ReleaseURL: cfg.Tunnel.ReleaseURL,
		AssetName:  cfg.Tunnel.AssetName,
	}, nil, log.Named("updater"))

	var provider tunnel.Provider
	switch cfg.Tunnel.Provider {
	case config.ProviderTor:
		provider = a.tor
	default:
		provider = tunnel.NewProcessProvider(tunnel.ProcessConfig{
			Binary:    cfg.Tunnel.Binary,
			StopGrace: cfg.Tunnel.StopGrace,
		}, nil, log.Named("cloudflared"))
	}
	tunnels := tunnel.NewManager(provider, tunnel.Config{
		StartTimeout: cfg.Tunnel.StartTimeout,
		StopGrace:    cfg.Tunnel.StopGrace,
	}, log.Named("tunnel"))

	a.sessions = session.NewManager(session.Config{
		Channel: a.channel,
		Trust:   a.trust,
		Store:   a.store,
		Tunnels: tunnels,
		Onion: func(ctx context.Context) (remote.DialFunc, error) {
			return a.tor.Dialer(ctx)
		},
		RequireEncryption: cfg.Security.RequireEncryption,
		Listener: server.Config{
			BindAttempts:    cfg.Listener.BindAttempts,
			ShutdownTimeout: cfg.Listener.ShutdownTimeout,
		},
		PollInterval:   cfg.Sync.PollInterval,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Log:            log.Named("session"),
	})
	if err := a.sessions.Restore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	a.closeOnce.Do(a.shutdown)
}

func (a *app) shutdown() {
	if a.sessions != nil {
		if err := a.sessions.Close(context.Background()); err != nil {
			a.log.Warn("stopping chats", zap.Error(err))
		}
	}
	if a.tor != nil {
		if err := a.tor.Close(); err != nil {
			a.log.Warn("stopping tor", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
