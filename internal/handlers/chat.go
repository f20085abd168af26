// Package handlers serves the wire contract of a hosted chat.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/pliu/peerchat/internal/store"
	"github.com/pliu/peerchat/internal/trust"
	"github.com/pliu/peerchat/internal/ws"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20

var (
	// ErrMalformedMessage is returned for a message missing its sender or
	// content.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrPlaintextRefused is returned when encryption is required and a peer
	// sends a plaintext message.
	ErrPlaintextRefused = errors.New("plaintext messages are not accepted")

	// ErrUnopenable wraps failures to decrypt or verify an inbound message.
	ErrUnopenable = errors.New("message cannot be opened")

	// ErrImpersonation is returned when a peer sends a message in the
	// host's name.
	ErrImpersonation = errors.New("message claims the host as its sender")
)

// KeyRegistrar stores a peer key offered during first contact.
type KeyRegistrar interface {
	Upsert(identity, publicKeyPEM, displayName string) error
}

// Config wires a ChatHandler. Store, Channel and Trust are optional. Without a
// Channel the chat is served in plaintext.
type Config struct {
	Chat              *chat.Chat
	Store             store.Store
	Channel           *securechannel.Channel
	Trust             KeyRegistrar
	RequireEncryption bool
	Log               *zap.Logger
}

// ChatHandler serves one hosted chat.
type ChatHandler struct {
	chat              *chat.Chat
	store             store.Store
	channel           *securechannel.Channel
	trust             KeyRegistrar
	requireEncryption bool
	hub               *ws.Hub
	log               *zap.Logger
	now               func() time.Time
}

// New returns a handler with its push hub running. Call Close to stop it.
func New(cfg Config) *ChatHandler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &ChatHandler{
		chat:              cfg.Chat,
		store:             cfg.Store,
		channel:           cfg.Channel,
		trust:             cfg.Trust,
		requireEncryption: cfg.RequireEncryption,
		log:               log.With(zap.String("chat_id", cfg.Chat.ID)),
		now:               time.Now,
	}
	h.hub = ws.NewHub(h.sealFor, h.acceptFrom, h.log)
	go h.hub.Run()
	return h
}

// Close disconnects push peers.
func (h *ChatHandler) Close() {
	h.hub.Stop()
}

// Publish persists m, appends it to the chat and pushes it to connected
// peers. m must be plaintext.
func (h *ChatHandler) Publish(m models.Message) error {
	if m.Encrypted() {
		return store.ErrEncrypted
	}
	if h.store != nil {
		if err := h.store.SaveMessage(h.chat.ID, m); err != nil {
			return err
		}
	}
	if stored, added := h.chat.Record(m); added {
		h.hub.Broadcast(stored)
	}
	return nil
}

// Accept validates and opens a message sent by a peer, then publishes it.
func (h *ChatHandler) Accept(m models.Message) (string, error) {
	if m.Sender.Identity == "" {
		return "", fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	if h.channel != nil && m.Sender.Identity == h.channel.Sender().Identity {
		return "", ErrImpersonation
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = h.now().UnixMilli()
	}

	switch {
	case m.Encrypted():
		if h.channel == nil {
			return "", fmt.Errorf("%w: no key to open it", ErrUnopenable)
		}
		opened, err := h.channel.OpenFromPeer(m)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnopenable, err)
		}
		m = opened
	case h.sealing():
		return "", ErrPlaintextRefused
	case m.Content == "":
		return "", fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}

	if err := h.Publish(m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (h *ChatHandler) sealing() bool {
	return h.channel != nil && h.requireEncryption
}

// sealFor prepares m for the peer with the given identity. With encryption
// required, peers without a stored key get securechannel.ErrUnknownRecipient.
func (h *ChatHandler) sealFor(m models.Message, identity string) (models.Message, error) {
	if h.channel == nil {
		return m, nil
	}
	if !h.requireEncryption && !h.channel.CanEncryptFor(identity) {
		return m, nil
	}
	return h.channel.SealForPeer(m, identity)
}

func (h *ChatHandler) sealAll(msgs []models.Message, identity string) ([]models.Message, error) {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		sealed, err := h.sealFor(m, identity)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed)
	}
	return out, nil
}

func (h *ChatHandler) acceptFrom(identity string, m models.Message) (string, error) {
	return h.Accept(m)
}

// Ping answers liveness checks.
func (h *ChatHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("pong"))
}

// GetChat returns the full chat snapshot, sealed for ?identity= when required.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	msgs, err := h.sealAll(h.chat.Messages(), identity)
	if err != nil {
		h.sealError(w, identity, err)
		return
	}

	snapshot := models.ChatSnapshot{ID: h.chat.ID, Name: h.chat.Name, Messages: msgs}
	if h.channel != nil {
		if snapshot.Host, err = h.channel.Self(); err != nil {
			h.log.Error("host key unavailable", zap.Error(err))
			http.Error(w, "host key unavailable", http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetNewMessages returns messages whose timestamp is after ?since=, or,
// when ?after= is given, messages whose Seq is after it.
func (h *ChatHandler) GetNewMessages(w http.ResponseWriter, r *http.Request) {
	var pending []models.Message
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		pending = h.chat.After(after)
	} else {
		raw := r.URL.Query().Get("since")
		if raw == "" {
			http.Error(w, "missing since", http.StatusBadRequest)
			return
		}
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		pending = h.chat.Since(since)
	}

	identity := r.URL.Query().Get("identity")
	msgs, err := h.sealAll(pending, identity)
	if err != nil {
		h.sealError(w, identity, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage accepts a message from a peer.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.Accept(m)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	case errors.Is(err, ErrMalformedMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrPlaintextRefused):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrImpersonation):
		h.log.Warn("rejected message", zap.String("claimed_sender", m.Sender.Identity))
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrUnopenable):
		h.log.Warn("rejected message", zap.String("sender", m.Sender.Identity), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.log.Error("cannot store message", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// GetPublicKey publishes the host key for first-contact exchange.
func (h *ChatHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.channel == nil {
		http.Error(w, "no public key", http.StatusNotFound)
		return
	}
	info, err := h.channel.Self()
	if err != nil {
		h.log.Error("host key unavailable", zap.Error(err))
		http.Error(w, "host key unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// RegisterPublicKey stores the caller's key so the host can seal for it.
func (h *ChatHandler) RegisterPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.trust == nil {
		http.Error(w, "key registration disabled", http.StatusNotFound)
		return
	}
	var info models.PublicKeyInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.trust.Upsert(info.Identity, info.PublicKey, info.DisplayName); err != nil {
		if errors.Is(err, trust.ErrInvalidKey) || errors.Is(err, trust.ErrInvalidIdentity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("cannot store peer key", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.log.Info("registered peer key", zap.String("peer", info.Identity), zap.String("name", info.DisplayName))
	writeJSON(w, http.StatusOK, map[string]string{"identity": info.Identity})
}

// PushChannel upgrades to the websocket push channel for ?identity=.
func (h *ChatHandler) PushChannel(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if h.sealing() && !h.channel.CanEncryptFor(identity) {
		h.sealError(w, identity, securechannel.ErrUnknownRecipient)
		return
	}
	ws.ServeWs(h.hub, w, r, identity)
}

func (h *ChatHandler) sealError(w http.ResponseWriter, identity string, err error) {
	if errors.Is(err, securechannel.ErrUnknownRecipient) {
		http.Error(w, "recipient key unknown", http.StatusForbidden)
		return
	}
	h.log.Error("cannot seal for peer", zap.String("peer", identity), zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
