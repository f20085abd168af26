package chat

import (
	"testing"
	"time"

	"github.com/pliu/peerchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, ts int64) models.Message {
	return models.Message{ID: id, Content: id, Timestamp: ts}
}

func TestAppendOrderAndDedupe(t *testing.T) {
	c := New("c1", "General", Joined)

	assert.True(t, c.Append(msg("a", 30)))
	assert.True(t, c.Append(msg("b", 10)))
	assert.False(t, c.Append(msg("a", 30)))

	got := c.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "arrival order, not timestamp order")
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, int64(30), c.Latest())

	got[0].Content = "mutated"
	assert.Equal(t, "a", c.Messages()[0].Content)
}

func TestSince(t *testing.T) {
	c := New("c1", "General", Hosted)
	c.Append(msg("a", 10))
	c.Append(msg("b", 20))
	c.Append(msg("c", 30))

	since := c.Since(20)
	require.Len(t, since, 1)
	assert.Equal(t, "c", since[0].ID)
	assert.Empty(t, c.Since(30))
	assert.NotNil(t, c.Since(30))
}

func TestHostedChatNumbersArrivals(t *testing.T) {
	c := New("c1", "General", Hosted)
	forged := msg("a", 30)
	forged.Seq = 99
	stored, added := c.Record(forged)
	require.True(t, added)
	assert.Equal(t, int64(1), stored.Seq)

	stored, _ = c.Record(msg("b", 10))
	assert.Equal(t, int64(2), stored.Seq)

	stored, added = c.Record(msg("a", 30))
	assert.False(t, added)
	assert.Equal(t, int64(1), stored.Seq)

	after := c.After(1)
	require.Len(t, after, 1)
	assert.Equal(t, "b", after[0].ID)
	assert.Empty(t, c.After(2))
	assert.Equal(t, int64(2), c.LastSeq())
}

func TestJoinedChatKeepsHostNumbers(t *testing.T) {
	c := New("c1", "General", Joined)
	events, cancel := c.Subscribe()
	defer cancel()

	// Our own send, appended before the host's numbering is known.
	require.True(t, c.Append(msg("mine", 10)))
	<-events
	assert.Equal(t, int64(0), c.LastSeq())

	echoed := msg("mine", 10)
	echoed.Seq = 7
	assert.False(t, c.Append(echoed))
	assert.Equal(t, int64(7), c.Messages()[0].Seq)
	assert.Equal(t, int64(7), c.LastSeq())

	echoed.Seq = 8
	c.Append(echoed)
	assert.Equal(t, int64(7), c.Messages()[0].Seq, "a known number is not rewritten")

	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestSubscribe(t *testing.T) {
	c := New("c1", "General", Joined)
	events, cancel := c.Subscribe()

	c.Append(msg("a", 1))
	c.SetStatus(StatusConnected, "")
	c.SetStatus(StatusConnected, "")
	c.SetStatus(StatusError, "boom")

	want := []Event{
		{Type: EventMessage, ChatID: "c1", Message: msg("a", 1)},
		{Type: EventStatus, ChatID: "c1", Status: StatusConnected},
		{Type: EventStatus, ChatID: "c1", Status: StatusError, Reason: "boom"},
	}
	for _, w := range want {
		select {
		case e := <-events:
			assert.Equal(t, w, e)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	s, reason := c.Status()
	assert.Equal(t, StatusError, s)
	assert.Equal(t, "boom", reason)
	assert.False(t, c.Running())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	c := New("c1", "General", Hosted)
	_, cancel := c.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			c.Append(msg(string(rune('a'+i%26))+time.Duration(i).String(), int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a full subscriber")
	}
}

func TestCancelAfterClose(t *testing.T) {
	c := New("c1", "General", Hosted)
	events, cancel := c.Subscribe()
	c.Close()
	_, open := <-events
	assert.False(t, open)
	assert.NotPanics(t, cancel)
}
