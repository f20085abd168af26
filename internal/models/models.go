package models

import "encoding/json"

// Sender identifies the author of a message. Identity is the salted hash of
// the author's raw user id, never the raw id itself.
type Sender struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
}

// Envelope is one hybrid-encrypted payload. Every field is base64 text. The
// ciphertext of an empty plaintext is the empty string, so a field counts as
// present when it was on the wire, not when it is non-empty.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	WrappedKey string `json:"wrapped_key"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`

	// missing is set when a decoded envelope lacked one of its fields.
	missing bool
}

// UnmarshalJSON records whether every field was present.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		Ciphertext *string `json:"ciphertext"`
		WrappedKey *string `json:"wrapped_key"`
		Nonce      *string `json:"nonce"`
		Tag        *string `json:"tag"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Envelope{}
	for _, f := range []struct {
		src *string
		dst *string
	}{
		{wire.Ciphertext, &e.Ciphertext},
		{wire.WrappedKey, &e.WrappedKey},
		{wire.Nonce, &e.Nonce},
		{wire.Tag, &e.Tag},
	} {
		if f.src == nil {
			e.missing = true
			continue
		}
		*f.dst = *f.src
	}
	return nil
}

// Complete reports whether all four envelope fields are present. The key,
// nonce and tag are never empty; the ciphertext may be.
func (e *Envelope) Complete() bool {
	return e != nil && !e.missing && e.WrappedKey != "" && e.Nonce != "" && e.Tag != ""
}

// VerifyStatus is the outcome of checking a message signature after decryption.
type VerifyStatus int

const (
	// VerifyNone means the message was plaintext or carried no signature.
	VerifyNone VerifyStatus = iota
	VerifyOK
	VerifyFailed
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyOK:
		return "verified"
	case VerifyFailed:
		return "failed"
	default:
		return "unverified"
	}
}

// Message is either plaintext (Content set, Envelope nil) or encrypted
// (Envelope set, Content empty). Timestamp is in Unix milliseconds.
type Message struct {
	ID              string    `json:"id"`
	Sender          Sender    `json:"sender"`
	Content         string    `json:"content,omitempty"`
	Envelope        *Envelope `json:"envelope,omitempty"`
	Signature       string    `json:"signature,omitempty"`
	SenderPublicKey string    `json:"sender_public_key,omitempty"`
	Timestamp       int64     `json:"timestamp"`
	// Seq is the host's arrival order, starting at 1. Timestamps come from
	// the author's clock and only Seq is safe as a sync cursor.
	Seq int64 `json:"seq,omitempty"`

	// Verification is set locally when an encrypted message is opened.
	Verification VerifyStatus `json:"-"`
}

// Encrypted reports whether the message still carries an envelope.
func (m *Message) Encrypted() bool {
	return m.Envelope != nil
}

// PublicKeyInfo is what a peer publishes for first-contact key exchange.
type PublicKeyInfo struct {
	Identity    string `json:"identity"`
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
}

// ChatSnapshot is the full state of a hosted chat as served to peers.
type ChatSnapshot struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Host     PublicKeyInfo `json:"host"`
	Messages []Message     `json:"messages"`
}

// TrustedPeer is one entry of the trust registry.
type TrustedPeer struct {
	Identity    string `json:"identity"`
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ChatRecord is the persisted header of a hosted chat.
type ChatRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Invitation string `json:"invitation,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}
