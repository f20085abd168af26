package handlers

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/peerchat/internal/chat"
	"github.com/pliu/peerchat/internal/hybrid"
	"github.com/pliu/peerchat/internal/models"
	"github.com/pliu/peerchat/internal/securechannel"
	"github.com/pliu/peerchat/internal/store/sqlstore"
	"github.com/pliu/peerchat/internal/trust"
	"github.com/pliu/peerchat/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	priv *rsa.PrivateKey
	pub  string
}

func (k *staticKeys) GetOrCreate() (*rsa.PrivateKey, error) { return k.priv, nil }
func (k *staticKeys) PublicKeyExport() (string, error)      { return k.pub, nil }

type party struct {
	trust   *trust.Registry
	channel *securechannel.Channel
}

func newParty(t *testing.T, name string) *party {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, hybrid.MinKeyBits)
	require.NoError(t, err)
	pub, err := hybrid.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	reg, err := trust.Open(filepath.Join(t.TempDir(), trust.FileName), nil)
	require.NoError(t, err)
	self := models.Sender{Identity: hybrid.HashIdentity(name), DisplayName: name}
	return &party{trust: reg, channel: securechannel.New(&staticKeys{priv: priv, pub: pub}, reg, self, securechannel.PolicyWarn, nil)}
}

func (p *party) id() string { return p.channel.Sender().Identity }

func authored(t *testing.T, p *party, content string) models.Message {
	t.Helper()
	msg, err := p.channel.NewMessage(content)
	require.NoError(t, err)
	return msg
}

// knows stores other's key in p's registry.
func (p *party) knows(t *testing.T, other *party) {
	t.Helper()
	info, err := other.channel.Self()
	require.NoError(t, err)
	require.NoError(t, p.trust.Upsert(info.Identity, info.PublicKey, info.DisplayName))
}

func newPlainHandler(t *testing.T) *ChatHandler {
	t.Helper()
	h := New(Config{Chat: chat.New("c1", "General", chat.Hosted)})
	t.Cleanup(h.Close)
	return h
}

func newSecureHandler(t *testing.T, host *party) *ChatHandler {
	t.Helper()
	h := New(Config{
		Chat:              chat.New("c1", "General", chat.Hosted),
		Channel:           host.channel,
		Trust:             host.trust,
		RequireEncryption: true,
	})
	t.Cleanup(h.Close)
	return h
}

func serve(h *ChatHandler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rr, req)
	return rr
}

func postJSON(t *testing.T, path string, v interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return httptest.NewRequest("POST", path, bytes.NewReader(body))
}

func plain(id string, ts int64, content string) models.Message {
	return models.Message{ID: id, Sender: models.Sender{Identity: "alice-id", DisplayName: "alice"}, Content: content, Timestamp: ts}
}

func TestPing(t *testing.T) {
	rr := serve(newPlainHandler(t), httptest.NewRequest("GET", PathPing, nil))

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	assert.Equal(t, "pong", rr.Body.String())
}

func TestGetNewMessagesSince(t *testing.T) {
	h := newPlainHandler(t)
	require.NoError(t, h.Publish(plain("m1", 1000, "before")))
	t0 := int64(1500)
	require.NoError(t, h.Publish(plain("m2", 2000, "after")))

	rr := serve(h, httptest.NewRequest("GET", PathNewMessages+"?since=1500", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var msgs []models.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Greater(t, msgs[0].Timestamp, t0)
	assert.Equal(t, "after", msgs[0].Content)

	rr = serve(h, httptest.NewRequest("GET", PathNewMessages+"?since=2000", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestGetNewMessagesAfterSeq(t *testing.T) {
	h := newPlainHandler(t)
	require.NoError(t, h.Publish(plain("m1", 2000, "fast clock")))
	require.NoError(t, h.Publish(plain("m2", 1500, "slow clock")))

	rr := serve(h, httptest.NewRequest("GET", PathNewMessages+"?after=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []models.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, int64(2), msgs[0].Seq)

	rr = serve(h, httptest.NewRequest("GET", PathNewMessages+"?after=2", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestGetNewMessagesBadSince(t *testing.T) {
	h := newPlainHandler(t)
	for _, q := range []string{"", "?since=", "?since=yesterday", "?after=-1", "?after=x"} {
		rr := serve(h, httptest.NewRequest("GET", PathNewMessages+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestSendMessagePlaintext(t *testing.T) {
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	defer st.Close()

	c := chat.New("c1", "General", chat.Hosted)
	h := New(Config{Chat: c, Store: st})
	defer h.Close()

	rr := serve(h, postJSON(t, PathSendMessage, plain("m1", 1000, "hello")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"id":"m1"}`, rr.Body.String())

	require.Len(t, c.Messages(), 1)
	stored, err := st.GetChatMessages("c1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Content)
}

func TestSendMessageAssignsIDAndTimestamp(t *testing.T) {
	h := newPlainHandler(t)
	h.now = func() time.Time { return time.UnixMilli(4242) }

	m := plain("", 0, "no id")
	rr := serve(h, postJSON(t, PathSendMessage, m))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, int64(4242), h.chat.Latest())
}

func TestSendMessageMalformed(t *testing.T) {
	h := newPlainHandler(t)

	rr := serve(h, httptest.NewRequest("POST", PathSendMessage, strings.NewReader("{nope")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, postJSON(t, PathSendMessage, models.Message{ID: "m1", Content: "anonymous"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, postJSON(t, PathSendMessage, plain("m1", 1, "")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, httptest.NewRequest("GET", PathSendMessage, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSendMessageEncrypted(t *testing.T) {
	host := newParty(t, "host")
	alice := newParty(t, "alice")
	alice.knows(t, host)
	host.knows(t, alice)
	h := newSecureHandler(t, host)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "hello"), host.id())
	require.NoError(t, err)

	rr := serve(h, postJSON(t, PathSendMessage, sealed))
	require.Equal(t, http.StatusOK, rr.Code)

	msgs := h.chat.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.VerifyOK, msgs[0].Verification)
}

func TestSendMessageTamperedIsRejected(t *testing.T) {
	host := newParty(t, "host")
	alice := newParty(t, "alice")
	alice.knows(t, host)
	h := newSecureHandler(t, host)

	sealed, err := alice.channel.SealForPeer(authored(t, alice, "hello"), host.id())
	require.NoError(t, err)
	env := *sealed.Envelope
	env.Tag = "AAAAAAAAAAAAAAAAAAAAAA=="
	sealed.Envelope = &env

	rr := serve(h, postJSON(t, PathSendMessage, sealed))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Empty(t, h.chat.Messages())
}

func TestSendMessagePlaintextRefused(t *testing.T) {
	h := newSecureHandler(t, newParty(t, "host"))

	rr := serve(h, postJSON(t, PathSendMessage, plain("m1", 1, "in the clear")))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, h.chat.Messages())
}

func TestSendMessageInHostsNameIsRejected(t *testing.T) {
	host := newParty(t, "host")
	mallory := newParty(t, "mallory")
	mallory.knows(t, host)
	host.knows(t, mallory)
	h := newSecureHandler(t, host)

	claimed := models.Message{ID: "m1", Sender: host.channel.Sender(), Content: "send me your password", Timestamp: 1}
	sealed, err := mallory.channel.SealForPeer(claimed, host.id())
	require.NoError(t, err)

	rr := serve(h, postJSON(t, PathSendMessage, sealed))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, h.chat.Messages())

	_, err = h.Accept(sealed)
	assert.ErrorIs(t, err, ErrImpersonation)
}

func TestGetChatSealsPerRequester(t *testing.T) {
	host := newParty(t, "host")
	bob := newParty(t, "bob")
	host.knows(t, bob)
	bob.knows(t, host)
	h := newSecureHandler(t, host)
	require.NoError(t, h.Publish(authored(t, host, "welcome")))

	rr := serve(h, httptest.NewRequest("GET", PathGetChat, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "recipient key unknown")

	rr = serve(h, httptest.NewRequest("GET", PathGetChat+"?identity=stranger", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(h, httptest.NewRequest("GET", PathGetChat+"?identity="+bob.id(), nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap models.ChatSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	assert.Equal(t, "General", snap.Name)
	assert.Equal(t, host.id(), snap.Host.Identity)
	require.Len(t, snap.Messages, 1)
	require.True(t, snap.Messages[0].Encrypted())

	opened, err := bob.channel.OpenFromPeer(snap.Messages[0])
	require.NoError(t, err)
	assert.Equal(t, "welcome", opened.Content)
	assert.Equal(t, models.VerifyOK, opened.Verification)
}

func TestGetChatPlaintext(t *testing.T) {
	h := newPlainHandler(t)
	require.NoError(t, h.Publish(plain("m1", 1, "hi")))

	rr := serve(h, httptest.NewRequest("GET", PathGetChat, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap models.ChatSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Content)
}

func TestPublicKeyExchange(t *testing.T) {
	host := newParty(t, "host")
	bob := newParty(t, "bob")
	h := newSecureHandler(t, host)

	rr := serve(h, httptest.NewRequest("GET", PathPublicKey, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var info models.PublicKeyInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
	assert.Equal(t, host.id(), info.Identity)
	assert.Equal(t, "host", info.DisplayName)
	_, err := hybrid.ParsePublicKey(info.PublicKey)
	assert.NoError(t, err)

	rr = serve(h, postJSON(t, PathPublicKey, models.PublicKeyInfo{Identity: bob.id(), PublicKey: "garbage"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, host.trust.Has(bob.id()))

	bobInfo, err := bob.channel.Self()
	require.NoError(t, err)
	rr = serve(h, postJSON(t, PathPublicKey, bobInfo))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, host.trust.Has(bob.id()))
}

func TestPublicKeyWithoutChannel(t *testing.T) {
	h := newPlainHandler(t)
	rr := serve(h, httptest.NewRequest("GET", PathPublicKey, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPushChannel(t *testing.T) {
	host := newParty(t, "host")
	bob := newParty(t, "bob")
	host.knows(t, bob)
	h := newSecureHandler(t, host)

	srv := httptest.NewServer(NewRouter(h, nil))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + PathPushChannel

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?identity=stranger", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?identity="+bob.id(), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration with the hub races the first publish; publish until a
	// frame arrives.
	frames := make(chan []byte, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err == nil {
			frames <- data
		}
		close(frames)
	}()
	var data []byte
	for i := 0; data == nil; i++ {
		require.Less(t, i, 100, "no frame received")
		require.NoError(t, h.Publish(authored(t, host, "pushed")))
		select {
		case data = <-frames:
		case <-time.After(30 * time.Millisecond):
		}
	}

	f, err := ws.DecodeFrame(data)
	require.NoError(t, err)
	nm, ok := f.(ws.NewMessageFrame)
	require.True(t, ok, "got %T", f)
	opened, err := bob.channel.OpenFromPeer(nm.Message)
	require.NoError(t, err)
	assert.Equal(t, "pushed", opened.Content)
}
