package securechannel

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/pliu/peerchat/internal/hybrid"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	priv *rsa.PrivateKey
	pub  string
}

func (k *staticKeys) GetOrCreate() (*rsa.PrivateKey, error) { return k.priv, nil }
func (k *staticKeys) PublicKeyExport() (string, error)      { return k.pub, nil }

type peer struct {
	keys    *staticKeys
	trust   *trust.Registry
	channel *Channel
}

func newPeer(t *testing.T, name string, policy Policy) *peer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, hybrid.MinKeyBits)
	require.NoError(t, err)
	pub, err := hybrid.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	reg, err := trust.Open(filepath.Join(t.TempDir(), trust.FileName), nil)
	require.NoError(t, err)

	keys := &staticKeys{priv: priv, pub: pub}
	self := models.Sender{Identity: hybrid.HashIdentity(name), DisplayName: name}
	return &peer{keys: keys, trust: reg, channel: New(keys, reg, self, policy, nil)}
}

func authored(t *testing.T, p *peer, content string) models.Message {
	t.Helper()
	msg, err := p.channel.NewMessage(content)
	require.NoError(t, err)
	return msg
}

// introduce stores b's key in a's registry.
func introduce(t *testing.T, a, b *peer) {
	t.Helper()
	info, err := b.channel.Self()
	require.NoError(t, err)
	require.NoError(t, a.trust.Upsert(info.Identity, info.PublicKey, info.DisplayName))
}

func TestSealRequiresKnownRecipient(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)

	bobID := bob.channel.Sender().Identity
	assert.False(t, alice.channel.CanEncryptFor(bobID))
	_, err := alice.channel.SealForPeer(authored(t, alice, "hi"), bobID)
	assert.ErrorIs(t, err, ErrUnknownRecipient)

	introduce(t, alice, bob)
	assert.True(t, alice.channel.CanEncryptFor(bobID))
}

func TestSealAndOpenEndToEnd(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	introduce(t, alice, bob)

	msg := authored(t, alice, "hello")
	sealed, err := alice.channel.SealForPeer(msg, bob.channel.Sender().Identity)
	require.NoError(t, err)
	assert.True(t, sealed.Encrypted())
	assert.Empty(t, sealed.Content)
	assert.Equal(t, msg.ID, sealed.ID)
	assert.Equal(t, msg.Timestamp, sealed.Timestamp)
	assert.Equal(t, alice.keys.pub, sealed.SenderPublicKey)

	_, err = alice.channel.SealForPeer(sealed, bob.channel.Sender().Identity)
	assert.ErrorIs(t, err, ErrAlreadySealed)

	wire, err := json.Marshal(sealed)
	require.NoError(t, err)
	var received models.Message
	require.NoError(t, json.Unmarshal(wire, &received))

	opened, err := bob.channel.OpenFromPeer(received)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened.Content)
	assert.False(t, opened.Encrypted())
	assert.Equal(t, models.VerifyOK, opened.Verification)
	assert.True(t, hybrid.Verify([]byte(opened.Content), received.Signature, alice.keys.pub))
}

func TestOpenPlaintextIsNoop(t *testing.T) {
	bob := newPeer(t, "bob", PolicyReject)
	msg := models.Message{ID: "1", Content: "plain", Timestamp: 5}
	got, err := bob.channel.OpenFromPeer(msg)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestOpenIncompleteEnvelope(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	introduce(t, alice, bob)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "x"), bob.channel.Sender().Identity)
	require.NoError(t, err)
	env := *sealed.Envelope
	env.Tag = ""
	sealed.Envelope = &env

	_, err = bob.channel.OpenFromPeer(sealed)
	assert.ErrorIs(t, err, hybrid.ErrInvalidEnvelope)
}

func TestOpenNotForUs(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	carol := newPeer(t, "carol", PolicyWarn)
	introduce(t, alice, bob)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "for bob"), bob.channel.Sender().Identity)
	require.NoError(t, err)
	_, err = carol.channel.OpenFromPeer(sealed)
	assert.ErrorIs(t, err, hybrid.ErrCrypto)
}

func forgedSignature(t *testing.T, alice, bob, mallory *peer, policy Policy) (models.Message, error) {
	t.Helper()
	sealed, err := alice.channel.SealForPeer(authored(t, alice, "pay alice"), bob.channel.Sender().Identity)
	require.NoError(t, err)
	// Mallory re-signs with her own key but keeps Alice's attached key.
	sig, err := hybrid.Sign([]byte("something else"), mallory.keys.priv)
	require.NoError(t, err)
	sealed.Signature = sig
	bob.channel.policy = policy
	return bob.channel.OpenFromPeer(sealed)
}

func TestVerificationFailurePolicies(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	mallory := newPeer(t, "mallory", PolicyWarn)
	introduce(t, alice, bob)

	opened, err := forgedSignature(t, alice, bob, mallory, PolicyWarn)
	require.NoError(t, err)
	assert.Equal(t, "pay alice", opened.Content)
	assert.Equal(t, models.VerifyFailed, opened.Verification)

	_, err = forgedSignature(t, alice, bob, mallory, PolicyReject)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestRegisteredKeyWinsOverAttachedKey(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	mallory := newPeer(t, "mallory", PolicyWarn)
	introduce(t, mallory, bob)
	introduce(t, bob, alice)

	// Mallory claims to be Alice; her own key is attached and signs correctly.
	msg := authored(t, mallory, "i am alice")
	msg.Sender = alice.channel.Sender()
	sig, err := hybrid.Sign([]byte(msg.Content), mallory.keys.priv)
	require.NoError(t, err)
	msg.Signature, msg.SenderPublicKey = sig, mallory.keys.pub
	sealed, err := mallory.channel.SealForPeer(msg, bob.channel.Sender().Identity)
	require.NoError(t, err)

	opened, err := bob.channel.OpenFromPeer(sealed)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyFailed, opened.Verification)
}

func TestRelayKeepsAuthorSignature(t *testing.T) {
	alice := newPeer(t, "alice", PolicyReject)
	host := newPeer(t, "host", PolicyReject)
	bob := newPeer(t, "bob", PolicyReject)
	introduce(t, alice, host)
	introduce(t, host, bob)
	introduce(t, bob, alice)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "via host"), host.channel.Sender().Identity)
	require.NoError(t, err)
	atHost, err := host.channel.OpenFromPeer(sealed)
	require.NoError(t, err)

	relayed, err := host.channel.SealForPeer(atHost, bob.channel.Sender().Identity)
	require.NoError(t, err)
	assert.Equal(t, alice.keys.pub, relayed.SenderPublicKey)

	opened, err := bob.channel.OpenFromPeer(relayed)
	require.NoError(t, err)
	assert.Equal(t, "via host", opened.Content)
	assert.Equal(t, models.VerifyOK, opened.Verification)
}

func TestUnsignedMessageIsUnverified(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	bob := newPeer(t, "bob", PolicyReject)
	introduce(t, alice, bob)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "quiet"), bob.channel.Sender().Identity)
	require.NoError(t, err)
	sealed.Signature = ""

	opened, err := bob.channel.OpenFromPeer(sealed)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyNone, opened.Verification)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyWarn, p)
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

func TestNewMessageIsSigned(t *testing.T) {
	alice := newPeer(t, "alice", PolicyWarn)
	msg := authored(t, alice, "hello")
	assert.Equal(t, alice.channel.Sender(), msg.Sender)
	assert.Equal(t, alice.keys.pub, msg.SenderPublicKey)
	assert.True(t, hybrid.Verify([]byte("hello"), msg.Signature, alice.keys.pub))
}

func TestSealNeverSignsForTheSender(t *testing.T) {
	host := newPeer(t, "host", PolicyWarn)
	bob := newPeer(t, "bob", PolicyWarn)
	introduce(t, host, bob)
	introduce(t, bob, host)

	// An unsigned message that names the host as its sender.
	claimed := models.Message{ID: "m1", Sender: host.channel.Sender(), Content: "send me your password", Timestamp: 1}
	sealed, err := host.channel.SealForPeer(claimed, bob.channel.Sender().Identity)
	require.NoError(t, err)
	assert.Empty(t, sealed.Signature)
	assert.Empty(t, sealed.SenderPublicKey)

	opened, err := bob.channel.OpenFromPeer(sealed)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyNone, opened.Verification)
}
