// Package ws is the push channel of a hosted chat: a hub fanning appended
// messages out to connected peers and accepting messages sent over the same
// connection.
package ws

import (
	"sync"

	"github.com/pliu/peerchat/internal/models"
	"go.uber.org/zap"
)

// SealFunc prepares a message for the peer with the given identity, usually
// by encrypting it for that peer.
type SealFunc func(m models.Message, identity string) (models.Message, error)

// AcceptFunc handles a message sent by a peer and returns its id.
type AcceptFunc func(identity string, m models.Message) (string, error)

type direct struct {
	client *Client
	data   []byte
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Messages to fan out to every client.
	broadcast chan models.Message

	// Replies addressed to a single client.
	direct chan direct

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	seal   SealFunc
	accept AcceptFunc
	log    *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// NewHub returns a hub. A nil seal sends messages as they are; a nil accept
// answers every send with an error frame.
func NewHub(seal SealFunc, accept AcceptFunc, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan models.Message, 256),
		direct:     make(chan direct, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		seal:       seal,
		accept:     accept,
		log:        log,
		quit:       make(chan struct{}),
	}
}

// Run serves the hub until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			h.drop(client)
		case d := <-h.direct:
			if h.clients[d.client] {
				h.deliver(d.client, d.data)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				out := message
				if h.seal != nil {
					sealed, err := h.seal(message, client.identity)
					if err != nil {
						h.log.Warn("cannot seal message for peer",
							zap.String("peer", client.identity), zap.String("message_id", message.ID), zap.Error(err))
						data, _ := EncodeFrame(ErrorFrame{Reason: err.Error()})
						h.deliver(client, data)
						continue
					}
					out = sealed
				}
				data, err := EncodeFrame(NewMessageFrame{Message: out})
				if err != nil {
					h.log.Error("encode frame", zap.Error(err))
					continue
				}
				h.deliver(client, data)
			}
		case <-h.quit:
			for client := range h.clients {
				h.drop(client)
			}
			return
		}
	}
}

// deliver queues data for client, dropping a client whose buffer is full.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.log.Warn("dropping slow peer", zap.String("peer", client.identity))
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast pushes m to every connected peer. It is a no-op after Stop.
func (h *Hub) Broadcast(m models.Message) {
	select {
	case h.broadcast <- m:
	case <-h.quit:
	}
}

// Stop disconnects every peer and ends Run. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *Hub) reply(client *Client, f Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		h.log.Error("encode frame", zap.Error(err))
		return
	}
	select {
	case h.direct <- direct{client: client, data: data}:
	case <-h.quit:
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}
