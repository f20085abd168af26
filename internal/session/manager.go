// Package session composes the listener, tunnel and sync client into hosted
// and joined chats.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/handlers"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/remote"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/pliu/peerchat/internal/server"
	"github.com/pliu/peerchat/internal/store"
	"github.com/pliu/peerchat/internal/trust"
	"github.com/pliu/peerchat/internal/tunnel"
)

var (
	// ErrUnknownChat is returned for a chat id the manager does not hold.
	ErrUnknownChat = errors.New("unknown chat")

	// ErrNotRunning is returned when sending to a stopped chat.
	ErrNotRunning = errors.New("chat is not running")

	// ErrAlreadyRunning is returned when hosting or joining a chat twice.
	ErrAlreadyRunning = errors.New("chat is already running")

	// ErrHostKeyChanged is returned when a host presents a key different
	// from the one already trusted for its identity.
	ErrHostKeyChanged = errors.New("host key does not match trusted key")

	// ErrOnionUnsupported is returned when joining an onion address
	// without tor.
	ErrOnionUnsupported = errors.New("onion invitations need the tor provider")
)

// OnionDialer returns a dial function that reaches onion services.
type OnionDialer func(ctx context.Context) (remote.DialFunc, error)

type Config struct {
	Channel *securechannel.Channel
	Trust   *trust.Registry
	// Store persists hosted chats. Nil keeps them in memory.
	Store store.Store
	// Tunnels publishes hosted chats. Nil uses the loopback address as
	// the invitation.
	Tunnels *tunnel.Manager
	Onion   OnionDialer

	RequireEncryption bool
	Listener          server.Config
	PollInterval      time.Duration
	RequestTimeout    time.Duration
	Log               *zap.Logger
}

type hosted struct {
	handler  *handlers.ChatHandler
	listener *server.Listener
}

type joined struct {
	client       *remote.Client
	hostIdentity string
	cancel       context.CancelFunc
	done         chan struct{}
}

type entry struct {
	chat     *chat.Chat
	hosted   *hosted
	joined   *joined
	starting bool
}

// running must be called with Manager.mu held.
func (e *entry) running() bool {
	return e.starting || e.hosted != nil || e.joined != nil
}

// Manager owns every chat of the local process. A chat is either hosted or
// joined, never both.
type Manager struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	chats map[string]*entry
}

func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = remote.DefaultPollInterval
	}
	return &Manager{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		chats: map[string]*entry{},
	}
}

// Restore lists persisted hosted chats as stopped. HostExisting starts them.
func (m *Manager) Restore() error {
	if m.cfg.Store == nil {
		return nil
	}
	records, err := m.cfg.Store.GetChats()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if _, ok := m.chats[r.ID]; ok {
			continue
		}
		c := chat.New(r.ID, r.Name, chat.Hosted)
		c.SetInvitation(r.Invitation)
		m.chats[r.ID] = &entry{chat: c}
	}
	return nil
}

// Host creates a new chat and publishes it. On failure the chat is kept
// stopped with the error as its status reason.
func (m *Manager) Host(ctx context.Context, name string) (*chat.Chat, error) {
	rec := models.ChatRecord{ID: uuid.NewString(), Name: name, CreatedAt: m.now().UnixMilli()}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.CreateChat(rec); err != nil {
			return nil, err
		}
	}
	c := chat.New(rec.ID, rec.Name, chat.Hosted)
	e := &entry{chat: c, starting: true}
	m.mu.Lock()
	m.chats[rec.ID] = e
	m.mu.Unlock()
	return c, m.startHosted(ctx, e)
}

// HostExisting publishes a persisted chat again with its stored messages.
func (m *Manager) HostExisting(ctx context.Context, id string) (*chat.Chat, error) {
	var rec *models.ChatRecord
	if m.cfg.Store != nil {
		m.mu.Lock()
		_, known := m.chats[id]
		m.mu.Unlock()
		if !known {
			var err error
			if rec, err = m.cfg.Store.GetChat(id); err != nil {
				return nil, err
			}
		}
	}

	// The entry is claimed under the lock so that a concurrent call sees it
	// as running before any listener exists.
	m.mu.Lock()
	e, ok := m.chats[id]
	if !ok {
		if rec == nil {
			m.mu.Unlock()
			return nil, ErrUnknownChat
		}
		e = &entry{chat: chat.New(rec.ID, rec.Name, chat.Hosted)}
		m.chats[id] = e
	}
	if e.running() {
		m.mu.Unlock()
		return e.chat, ErrAlreadyRunning
	}
	if e.chat.Kind != chat.Hosted {
		m.mu.Unlock()
		return e.chat, fmt.Errorf("%w: %s is a joined chat", ErrUnknownChat, id)
	}
	e.starting = true
	m.mu.Unlock()

	if m.cfg.Store != nil {
		msgs, err := m.cfg.Store.GetChatMessages(id)
		if err != nil {
			m.mu.Lock()
			e.starting = false
			m.mu.Unlock()
			return e.chat, err
		}
		for _, msg := range msgs {
			e.chat.Append(msg)
		}
	}
	return e.chat, m.startHosted(ctx, e)
}

// startHosted brings up the listener and tunnel for an entry already marked
// starting, and clears the mark when done.
func (m *Manager) startHosted(ctx context.Context, e *entry) (err error) {
	defer func() {
		if err != nil {
			m.mu.Lock()
			e.starting = false
			m.mu.Unlock()
		}
	}()
	c := e.chat
	log := m.log.With(zap.String("chat_id", c.ID))

	hc := handlers.Config{
		Chat:              c,
		Store:             m.cfg.Store,
		Channel:           m.cfg.Channel,
		RequireEncryption: m.cfg.RequireEncryption,
		Log:               m.log,
	}
	if m.cfg.Trust != nil {
		hc.Trust = m.cfg.Trust
	}
	h := handlers.New(hc)
	l := server.New(handlers.NewRouter(h, m.log), m.cfg.Listener, m.log)
	port, err := l.Start()
	if err != nil {
		h.Close()
		c.SetStatus(chat.StatusError, Classify(err).String())
		return err
	}

	invitation := fmt.Sprintf("http://127.0.0.1:%d", port)
	if m.cfg.Tunnels != nil {
		handle, err := m.cfg.Tunnels.Open(ctx, c.ID, port)
		if err != nil {
			if serr := l.Stop(); serr != nil {
				log.Warn("stop listener", zap.Error(serr))
			}
			h.Close()
			c.SetStatus(chat.StatusError, Classify(err).String())
			return err
		}
		invitation = handle.URL
	}

	c.SetInvitation(invitation)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.SetInvitation(c.ID, invitation); err != nil {
			log.Warn("persist invitation", zap.Error(err))
		}
	}

	m.mu.Lock()
	e.hosted = &hosted{handler: h, listener: l}
	e.starting = false
	m.mu.Unlock()
	c.SetStatus(chat.StatusConnected, "")
	log.Info("hosting", zap.Int("port", port), zap.String("invitation", invitation))
	return nil
}

// Join connects to the chat behind invitation. The host's key is trusted on
// first contact and ours is registered with the host. A push channel that
// cannot be opened is tolerated; polling keeps the chat in sync.
func (m *Manager) Join(ctx context.Context, invitation string) (*chat.Chat, error) {
	address, err := ResolveInvitation(invitation)
	if err != nil {
		return nil, err
	}

	var dial remote.DialFunc
	if IsOnion(address) {
		if m.cfg.Onion == nil {
			return nil, ErrOnionUnsupported
		}
		if dial, err = m.cfg.Onion(ctx); err != nil {
			return nil, err
		}
	}

	c := chat.New("", "", chat.Joined)
	cfg := remote.Config{
		Address:        address,
		Dial:           dial,
		PollInterval:   m.cfg.PollInterval,
		RequestTimeout: m.cfg.RequestTimeout,
	}
	if m.cfg.Channel != nil {
		cfg.Identity = m.cfg.Channel.Sender().Identity
		cfg.Opener = m.cfg.Channel
	}
	client, err := remote.New(c, cfg, m.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInvitation, err)
	}

	hostIdentity, err := m.exchangeKeys(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}

	snap, err := client.FetchSnapshot(ctx)
	if snap == nil {
		client.Close()
		if err == nil {
			err = fmt.Errorf("%w: %s", remote.ErrTransport, address)
		}
		return nil, err
	}
	if err != nil {
		m.log.Warn("snapshot contained unreadable messages", zap.Error(err))
	}
	if hostIdentity == "" {
		hostIdentity = snap.Host.Identity
	}

	m.mu.Lock()
	if e, ok := m.chats[snap.ID]; ok && e.running() {
		m.mu.Unlock()
		client.Close()
		return e.chat, ErrAlreadyRunning
	}
	c.ID, c.Name = snap.ID, snap.Name
	c.SetInvitation(address)
	for _, msg := range snap.Messages {
		c.Append(msg)
	}
	wctx, cancel := context.WithCancel(context.Background())
	j := &joined{client: client, hostIdentity: hostIdentity, cancel: cancel, done: make(chan struct{})}
	m.chats[c.ID] = &entry{chat: c, joined: j}
	m.mu.Unlock()

	c.SetStatus(chat.StatusConnected, "")
	if err := client.Connect(ctx); err != nil {
		m.log.Info("push channel unavailable, polling", zap.String("chat_id", c.ID), zap.Error(err))
	}
	client.Poll(wctx)
	go m.keepPushAlive(wctx, j)
	return c, nil
}

// exchangeKeys trusts the host key on first contact and registers ours with
// the host. It returns the host identity, or "" when the host serves
// plaintext and encryption is optional.
func (m *Manager) exchangeKeys(ctx context.Context, client *remote.Client) (string, error) {
	if m.cfg.Channel == nil || m.cfg.Trust == nil {
		return "", nil
	}
	info, err := client.FetchHostKey(ctx)
	if err != nil {
		if !m.cfg.RequireEncryption && errors.Is(err, remote.ErrTransport) {
			m.log.Warn("host publishes no key, joining in plaintext", zap.Error(err))
			return "", nil
		}
		return "", err
	}
	if known, ok := m.cfg.Trust.Lookup(info.Identity); ok {
		if known.PublicKey != info.PublicKey {
			return "", fmt.Errorf("%w: %s", ErrHostKeyChanged, info.Identity)
		}
	} else if err := m.cfg.Trust.Upsert(info.Identity, info.PublicKey, info.DisplayName); err != nil {
		return "", err
	}

	self, err := m.cfg.Channel.Self()
	if err != nil {
		return "", err
	}
	if err := client.Introduce(ctx, self); err != nil {
		return "", err
	}
	return info.Identity, nil
}

func (m *Manager) keepPushAlive(ctx context.Context, j *joined) {
	defer close(j.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if j.client.Connected() {
			continue
		}
		if err := j.client.Connect(ctx); err != nil {
			m.log.Debug("reconnect push channel", zap.Error(err))
		}
	}
}

// Send authors a message in the chat. In a joined chat it is sealed for the
// host before anything goes on the wire.
func (m *Manager) Send(ctx context.Context, chatID, content string) (models.Message, error) {
	m.mu.Lock()
	e, ok := m.chats[chatID]
	m.mu.Unlock()
	if !ok {
		return models.Message{}, ErrUnknownChat
	}
	msg, err := m.newMessage(content)
	if err != nil {
		return models.Message{}, err
	}

	switch {
	case e.hosted != nil:
		return msg, e.hosted.handler.Publish(msg)
	case e.joined != nil:
		out, err := m.sealForHost(msg, e.joined.hostIdentity)
		if err != nil {
			return models.Message{}, err
		}
		id, err := e.joined.client.Send(ctx, out)
		if err != nil {
			return models.Message{}, err
		}
		msg.ID = id
		e.chat.Append(msg)
		return msg, nil
	}
	return models.Message{}, ErrNotRunning
}

func (m *Manager) newMessage(content string) (models.Message, error) {
	if m.cfg.Channel != nil {
		return m.cfg.Channel.NewMessage(content)
	}
	return models.Message{ID: uuid.NewString(), Content: content, Timestamp: m.now().UnixMilli()}, nil
}

func (m *Manager) sealForHost(msg models.Message, hostIdentity string) (models.Message, error) {
	if m.cfg.Channel == nil {
		if m.cfg.RequireEncryption {
			return models.Message{}, securechannel.ErrUnknownRecipient
		}
		return msg, nil
	}
	if !m.cfg.RequireEncryption && (hostIdentity == "" || !m.cfg.Channel.CanEncryptFor(hostIdentity)) {
		return msg, nil
	}
	return m.cfg.Channel.SealForPeer(msg, hostIdentity)
}

// Stop takes a chat offline. A hosted chat stops accepting connections
// before its tunnel is torn down. Stopping a stopped chat is a no-op.
func (m *Manager) Stop(ctx context.Context, chatID string) error {
	m.mu.Lock()
	e, ok := m.chats[chatID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownChat
	}
	h, j := e.hosted, e.joined
	e.hosted, e.joined = nil, nil
	m.mu.Unlock()

	var errs []error
	if h != nil {
		if err := h.listener.Stop(); err != nil {
			errs = append(errs, err)
		}
		if m.cfg.Tunnels != nil {
			if err := m.cfg.Tunnels.Close(ctx, chatID); err != nil && !errors.Is(err, tunnel.ErrNotOpen) {
				errs = append(errs, err)
			}
		}
		h.handler.Close()
	}
	if j != nil {
		j.cancel()
		j.client.Close()
		<-j.done
	}
	if h != nil || j != nil {
		e.chat.SetStatus(chat.StatusStopped, "")
		m.log.Info("stopped", zap.String("chat_id", chatID))
	}
	return errors.Join(errs...)
}

// Delete stops the chat, forgets it and removes its persisted log.
func (m *Manager) Delete(ctx context.Context, chatID string) error {
	if err := m.Stop(ctx, chatID); err != nil && !errors.Is(err, ErrUnknownChat) {
		return err
	}
	m.mu.Lock()
	e, ok := m.chats[chatID]
	delete(m.chats, chatID)
	m.mu.Unlock()

	if m.cfg.Store != nil && (!ok || e.chat.Kind == chat.Hosted) {
		if err := m.cfg.Store.DeleteChat(chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	if ok {
		e.chat.Close()
	}
	return nil
}

// Get returns the chat with id.
func (m *Manager) Get(chatID string) (*chat.Chat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.chats[chatID]
	if !ok {
		return nil, false
	}
	return e.chat, true
}

// Chats returns every known chat ordered by name.
func (m *Manager) Chats() []*chat.Chat {
	m.mu.Lock()
	out := make([]*chat.Chat, 0, len(m.chats))
	for _, e := range m.chats {
		out = append(out, e.chat)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].Name != out[k].Name {
			return out[i].Name < out[k].Name
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Close stops every running chat.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.chats))
	for id := range m.chats {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
