// Package remote keeps a joined chat in sync with its host over the wire
// contract: polling for new messages, a websocket push channel and sends.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/handlers"
	"github.com/pliu/peerchat/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	maxResponseSize = 8 << 20

	// ReasonLost is the status reason when the host cannot be reached.
	ReasonLost = "lost connection to host"
)

var (
	// ErrTransport wraps network failures talking to the host.
	ErrTransport = errors.New("host unreachable")

	// ErrRejected is returned by Send when the host refuses the message.
	ErrRejected = errors.New("message rejected by host")

	// ErrUnknownToHost is returned when the host has no key for us and will
	// not serve us encrypted content.
	ErrUnknownToHost = errors.New("host does not know our key")

	// ErrBadResponse is returned for a response that does not decode.
	ErrBadResponse = errors.New("malformed response from host")
)

// Opener turns received messages into plaintext.
type Opener interface {
	OpenFromPeer(m models.Message) (models.Message, error)
}

// DialFunc dials the host, for example through tor.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	// Address is the host's base URL.
	Address string
	// Identity is sent with requests so the host can seal for us.
	Identity string
	// Opener opens encrypted messages. Nil keeps messages as received.
	Opener         Opener
	Dial           DialFunc
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client syncs one joined chat. Received messages are appended to the chat
// and connectivity is reported through its status.
type Client struct {
	chat     *chat.Chat
	base     *url.URL
	identity string
	opener   Opener
	interval time.Duration
	timeout  time.Duration
	http     *http.Client
	dialer   *websocket.Dialer
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn

	// Serializes writes on conn.
	writeMu sync.Mutex
}

func New(c *chat.Chat, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.Address, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid host address %q", cfg.Address)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.RequestTimeout,
	}
	if cfg.Dial != nil {
		transport.DialContext = cfg.Dial
		transport.Proxy = nil
		dialer.NetDialContext = cfg.Dial
		dialer.Proxy = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		chat:     c,
		base:     base,
		identity: cfg.Identity,
		opener:   cfg.Opener,
		interval: cfg.PollInterval,
		timeout:  cfg.RequestTimeout,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		dialer:   dialer,
		log:      log.With(zap.String("host", base.Host)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if c.identity != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("identity", c.identity)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// do runs a request and returns the body of a 2xx response. Network
// failures are wrapped in ErrTransport.
func (c *Client) do(ctx context.Context, method, target string, body interface{}) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v interface{}) error {
	data, status, err := c.do(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnknownToHost, strings.TrimSpace(string(data)))
	case status == http.StatusNotFound, status >= 500:
		return fmt.Errorf("%w: %s %s", ErrTransport, path, http.StatusText(status))
	case status != http.StatusOK:
		return fmt.Errorf("%w: %s answered %d", ErrBadResponse, path, status)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// open opens each message. Failures are dropped from the result and
// returned joined.
func (c *Client) open(msgs []models.Message) ([]models.Message, error) {
	if c.opener == nil {
		return msgs, nil
	}
	out := make([]models.Message, 0, len(msgs))
	var errs []error
	for _, m := range msgs {
		opened, err := c.opener.OpenFromPeer(m)
		if err != nil {
			c.log.Warn("cannot open message", zap.String("message_id", m.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, err))
			continue
		}
		out = append(out, opened)
	}
	return out, errors.Join(errs...)
}

func (c *Client) pullSnapshot(ctx context.Context) (*models.ChatSnapshot, error) {
	var snap models.ChatSnapshot
	if err := c.get(ctx, handlers.PathGetChat, nil, &snap); err != nil {
		return nil, err
	}
	msgs, err := c.open(snap.Messages)
	snap.Messages = msgs
	return &snap, err
}

func (c *Client) pullSince(ctx context.Context, since int64) ([]models.Message, error) {
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	var msgs []models.Message
	if err := c.get(ctx, handlers.PathNewMessages, q, &msgs); err != nil {
		return nil, err
	}
	return c.open(msgs)
}

// pullAfter asks for messages the host numbered after seq.
func (c *Client) pullAfter(ctx context.Context, seq int64) ([]models.Message, error) {
	q := url.Values{"after": {strconv.FormatInt(seq, 10)}}
	var msgs []models.Message
	if err := c.get(ctx, handlers.PathNewMessages, q, &msgs); err != nil {
		return nil, err
	}
	return c.open(msgs)
}

func (c *Client) lost(err error) {
	c.log.Debug("host unreachable", zap.Error(err))
	c.chat.SetStatus(chat.StatusDisconnected, ReasonLost)
}

// FetchSnapshot returns the full chat. A transport failure yields no
// snapshot and no error. Messages that fail to open are left out and
// reported in the error next to the snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*models.ChatSnapshot, error) {
	snap, err := c.pullSnapshot(ctx)
	if errors.Is(err, ErrTransport) {
		c.lost(err)
		return nil, nil
	}
	return snap, err
}

// FetchNewSince returns messages after since. A transport failure yields
// nothing and no error.
func (c *Client) FetchNewSince(ctx context.Context, since int64) ([]models.Message, error) {
	msgs, err := c.pullSince(ctx, since)
	if errors.Is(err, ErrTransport) {
		c.lost(err)
		return nil, nil
	}
	return msgs, err
}

// Sync pulls what is new and appends it to the chat. The first sync of an
// empty chat fetches the whole snapshot. Later syncs resume from the host's
// arrival order, falling back to timestamps for messages without one. An
// unreachable host only marks the chat disconnected.
func (c *Client) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var msgs []models.Message
	var err error
	if len(c.chat.Messages()) == 0 {
		var snap *models.ChatSnapshot
		if snap, err = c.pullSnapshot(ctx); snap != nil {
			msgs = snap.Messages
		}
	} else if seq := c.chat.LastSeq(); seq > 0 {
		msgs, err = c.pullAfter(ctx, seq)
	} else {
		msgs, err = c.pullSince(ctx, c.chat.Latest())
	}

	switch {
	case errors.Is(err, ErrTransport):
		c.lost(err)
		return nil
	case errors.Is(err, ErrUnknownToHost), errors.Is(err, ErrBadResponse):
		c.chat.SetStatus(chat.StatusError, err.Error())
		return err
	}
	for _, m := range msgs {
		c.chat.Append(m)
	}
	c.chat.SetStatus(chat.StatusConnected, "")
	return err
}

// Poll syncs immediately and then on every interval until ctx is done or
// the client is closed. Errors are logged and polling continues.
func (c *Client) Poll(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			if err := c.Sync(ctx); err != nil {
				c.log.Warn("sync", zap.Error(err))
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// FetchHostKey returns the host's published key.
func (c *Client) FetchHostKey(ctx context.Context) (models.PublicKeyInfo, error) {
	var info models.PublicKeyInfo
	err := c.get(ctx, handlers.PathPublicKey, nil, &info)
	return info, err
}

// Introduce registers our key with the host.
func (c *Client) Introduce(ctx context.Context, self models.PublicKeyInfo) error {
	data, status, err := c.do(ctx, http.MethodPost, c.endpoint(handlers.PathPublicKey, nil), self)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: key registration: %s", ErrRejected, strings.TrimSpace(string(data)))
	}
	return nil
}

// Send posts m to the host and returns the id it was stored under. It does
// not retry.
func (c *Client) Send(ctx context.Context, m models.Message) (string, error) {
	data, status, err := c.do(ctx, http.MethodPost, c.endpoint(handlers.PathSendMessage, nil), m)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %d %s", ErrRejected, status, strings.TrimSpace(string(data)))
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return resp.ID, nil
}
