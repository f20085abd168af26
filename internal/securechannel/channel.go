// Package securechannel applies message-level encryption and signing policy
// on top of the key store, the trust registry and the hybrid cipher.
package securechannel

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/peerchat/internal/hybrid"
	"github.com/pliu/peerchat/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrUnknownRecipient is returned by SealForPeer when no key is stored for
	// the recipient. Nothing is sent in plaintext instead.
	ErrUnknownRecipient = errors.New("cannot encrypt: recipient key unknown")

	// ErrVerificationFailed is returned by OpenFromPeer under PolicyReject
	// when a decrypted message carries a signature that does not verify.
	ErrVerificationFailed = errors.New("message signature verification failed")

	// ErrAlreadySealed is returned when sealing a message that is encrypted.
	ErrAlreadySealed = errors.New("message is already encrypted")
)

// Policy decides what happens to a decrypted message whose signature fails.
type Policy int

const (
	// PolicyWarn delivers the message flagged with models.VerifyFailed.
	PolicyWarn Policy = iota
	// PolicyReject drops the message and returns ErrVerificationFailed.
	PolicyReject
)

// ParsePolicy maps the configuration names "warn" and "reject" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "warn":
		return PolicyWarn, nil
	case "reject":
		return PolicyReject, nil
	}
	return 0, fmt.Errorf("unknown verification policy %q", s)
}

// Keys is the local key pair holder.
type Keys interface {
	GetOrCreate() (*rsa.PrivateKey, error)
	PublicKeyExport() (string, error)
}

// Directory resolves peer identities to keys.
type Directory interface {
	Has(identity string) bool
	PublicKey(identity string) (*rsa.PublicKey, error)
}

type Channel struct {
	keys   Keys
	peers  Directory
	self   models.Sender
	policy Policy
	log    *zap.Logger
	now    func() time.Time
}

func New(keys Keys, peers Directory, self models.Sender, policy Policy, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{keys: keys, peers: peers, self: self, policy: policy, log: log, now: time.Now}
}

// Self returns the local identity as published for key exchange.
func (c *Channel) Self() (models.PublicKeyInfo, error) {
	pub, err := c.keys.PublicKeyExport()
	if err != nil {
		return models.PublicKeyInfo{}, err
	}
	return models.PublicKeyInfo{
		Identity:    c.self.Identity,
		PublicKey:   pub,
		DisplayName: c.self.DisplayName,
	}, nil
}

// Sender returns the local sender descriptor.
func (c *Channel) Sender() models.Sender {
	return c.self
}

// NewMessage creates a plaintext message authored locally, signed with the
// local key and carrying the local public key.
func (c *Channel) NewMessage(content string) (models.Message, error) {
	priv, err := c.keys.GetOrCreate()
	if err != nil {
		return models.Message{}, err
	}
	pub, err := c.keys.PublicKeyExport()
	if err != nil {
		return models.Message{}, err
	}
	sig, err := hybrid.Sign([]byte(content), priv)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:              uuid.NewString(),
		Sender:          c.self,
		Content:         content,
		Signature:       sig,
		SenderPublicKey: pub,
		Timestamp:       c.now().UnixMilli(),
	}, nil
}

// CanEncryptFor reports whether a key is stored for identity.
func (c *Channel) CanEncryptFor(identity string) bool {
	return c.peers.Has(identity)
}

// SealForPeer returns msg encrypted for identity. The signature and public
// key attached at authorship travel unchanged, so a relaying host never signs
// on an author's behalf.
func (c *Channel) SealForPeer(msg models.Message, identity string) (models.Message, error) {
	if msg.Encrypted() {
		return models.Message{}, ErrAlreadySealed
	}
	if !c.peers.Has(identity) {
		return models.Message{}, ErrUnknownRecipient
	}
	recipient, err := c.peers.PublicKey(identity)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrUnknownRecipient, err)
	}
	env, err := hybrid.Encrypt([]byte(msg.Content), recipient)
	if err != nil {
		return models.Message{}, err
	}

	sealed := msg
	sealed.Content = ""
	sealed.Envelope = env
	sealed.Verification = models.VerifyNone
	return sealed, nil
}

// OpenFromPeer decrypts msg in place. Plaintext messages are returned as is.
//
// If msg is signed, the signature is checked over the decrypted content. The
// key used is the sender's registered key when the sender is trusted, else the
// attached one. The outcome is recorded in Verification. Under PolicyReject a
// failed check returns ErrVerificationFailed instead of the message.
func (c *Channel) OpenFromPeer(msg models.Message) (models.Message, error) {
	if !msg.Encrypted() {
		return msg, nil
	}
	if !msg.Envelope.Complete() {
		return models.Message{}, hybrid.ErrInvalidEnvelope
	}
	priv, err := c.keys.GetOrCreate()
	if err != nil {
		return models.Message{}, err
	}
	plaintext, err := hybrid.Decrypt(msg.Envelope, priv)
	if err != nil {
		return models.Message{}, err
	}

	opened := msg
	opened.Content = string(plaintext)
	opened.Envelope = nil
	opened.Verification = c.verify(plaintext, msg)

	if opened.Verification == models.VerifyFailed {
		c.log.Warn("signature verification failed",
			zap.String("message_id", msg.ID), zap.String("sender", msg.Sender.Identity))
		if c.policy == PolicyReject {
			return models.Message{}, ErrVerificationFailed
		}
	}
	return opened, nil
}

func (c *Channel) verify(plaintext []byte, msg models.Message) models.VerifyStatus {
	if msg.Signature == "" || msg.SenderPublicKey == "" {
		return models.VerifyNone
	}
	var ok bool
	if registered, err := c.peers.PublicKey(msg.Sender.Identity); err == nil {
		ok = hybrid.VerifyKey(plaintext, msg.Signature, registered)
	} else {
		ok = hybrid.Verify(plaintext, msg.Signature, msg.SenderPublicKey)
	}
	if ok {
		return models.VerifyOK
	}
	return models.VerifyFailed
}
