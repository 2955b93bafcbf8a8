package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatclient/connection"
	"github.com/opd-ai/chatclient/protocol"
	"github.com/opd-ai/chatclient/sched"
)

const testConv = "conv_1"

func newTestPipeline(t *testing.T, state connection.State) (*Pipeline, *fakeLink) {
	t.Helper()
	link := newFakeLink(state)
	scheduler := sched.New()
	t.Cleanup(scheduler.Close)
	p := New(link, scheduler, &Options{AckTimeout: 50 * time.Millisecond})
	t.Cleanup(p.Close)
	return p, link
}

func textContent(text string) protocol.Content {
	return protocol.Content{Kind: protocol.KindText, Text: text}
}

func TestSubmitWhileDisconnectedStaysPending(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateDisconnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	assert.NotEmpty(t, msg.LocalID)
	assert.Empty(t, msg.ServerID)
	assert.Equal(t, StatusPending, msg.Status)

	log := p.Messages(testConv)
	require.Len(t, log, 1)
	assert.Equal(t, msg.LocalID, log[0].LocalID)
	assert.Empty(t, link.sent(), "nothing should go out while disconnected")
}

func TestRoundTripAcknowledgement(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	out := link.sent()
	require.Len(t, out, 1)
	assert.Equal(t, protocol.TypeMessage, out[0].Type)
	assert.Equal(t, msg.LocalID, out[0].LocalID)
	assert.Equal(t, "hello", out[0].Content.Text)

	link.receiveFrame(&protocol.Frame{Type: protocol.TypeAck, LocalID: msg.LocalID, ServerID: "srv_1"})

	got, ok := p.Message(msg.LocalID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "srv_1", got.ServerID)
	assert.Equal(t, "hello", got.Content.Text, "content must survive reconciliation")

	id, ok := p.ServerID(msg.LocalID)
	require.True(t, ok)
	assert.Equal(t, "srv_1", id)
}

func TestEchoDoesNotDuplicate(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	link.receiveFrame(&protocol.Frame{Type: protocol.TypeAck, LocalID: msg.LocalID, ServerID: "srv_1"})

	// Echo of our own submission, carrying both identities.
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		LocalID:        msg.LocalID,
		ServerID:       "srv_1",
		Content:        &protocol.Content{Kind: protocol.KindText, Text: "hello"},
	})
	// Late echo carrying only the server identity.
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		ServerID:       "srv_1",
		Content:        &protocol.Content{Kind: protocol.KindText, Text: "hello"},
	})

	assert.Len(t, p.Messages(testConv), 1, "echoes must reconcile, not append")
}

func TestEchoBeforeAckReconciles(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	// The server may echo the message before (or instead of) the ack.
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		LocalID:        msg.LocalID,
		ServerID:       "srv_9",
	})

	got, ok := p.Message(msg.LocalID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "srv_9", got.ServerID)
	assert.Len(t, p.Messages(testConv), 1)
}

func TestFlushOnReconnectPreservesOrder(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateDisconnected)

	m1, err := p.Submit(testConv, textContent("one"))
	require.NoError(t, err)
	m2, err := p.Submit(testConv, textContent("two"))
	require.NoError(t, err)
	m3, err := p.Submit(testConv, textContent("three"))
	require.NoError(t, err)

	link.setState(connection.StateConnected)

	out := link.sent()
	require.Len(t, out, 3)
	assert.Equal(t, m1.LocalID, out[0].LocalID)
	assert.Equal(t, m2.LocalID, out[1].LocalID)
	assert.Equal(t, m3.LocalID, out[2].LocalID)

	// Acks arrive out of order; the log order must not change.
	link.receiveFrame(&protocol.Frame{Type: protocol.TypeAck, LocalID: m3.LocalID, ServerID: "s3"})
	link.receiveFrame(&protocol.Frame{Type: protocol.TypeAck, LocalID: m1.LocalID, ServerID: "s1"})
	link.receiveFrame(&protocol.Frame{Type: protocol.TypeAck, LocalID: m2.LocalID, ServerID: "s2"})

	log := p.Messages(testConv)
	require.Len(t, log, 3)
	assert.Equal(t, m1.LocalID, log[0].LocalID)
	assert.Equal(t, m2.LocalID, log[1].LocalID)
	assert.Equal(t, m3.LocalID, log[2].LocalID)
	for _, msg := range log {
		assert.Equal(t, StatusSent, msg.Status)
		assert.NotEmpty(t, msg.ServerID)
	}
}

func TestRejectionSurfacesAndRetryReusesLocalID(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	link.receiveFrame(&protocol.Frame{Type: protocol.TypeError, LocalID: msg.LocalID, Reason: "blocked"})

	got, ok := p.Message(msg.LocalID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "blocked", got.Error)
	assert.True(t, got.CanRetry)
	assert.True(t, got.CanDelete)

	require.NoError(t, p.Retry(msg.LocalID))

	out := link.sent()
	require.Len(t, out, 2)
	assert.Equal(t, msg.LocalID, out[1].LocalID, "retry must reuse the local identity")

	got, _ = p.Message(msg.LocalID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Error)
}

func TestRetryGuards(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateDisconnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Retry(msg.LocalID), ErrNotFailed)
	assert.ErrorIs(t, p.Retry("missing"), ErrNotFound)
}

func TestAckTimeoutFailsMessage(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateConnected)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, ok := p.Message(msg.LocalID)
		return ok && got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond, "message should fail once the ack wait expires")

	got, _ := p.Message(msg.LocalID)
	assert.Contains(t, got.Error, "acknowledgement timed out")
	assert.True(t, got.CanRetry)
}

func TestDeleteRules(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)
	rec := &recorder{}
	rec.attach(p)

	msg, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Delete(msg.LocalID), ErrNotDeletable, "pending messages are not deletable")

	link.receiveFrame(&protocol.Frame{Type: protocol.TypeError, LocalID: msg.LocalID, Reason: "blocked"})
	require.NoError(t, p.Delete(msg.LocalID))

	assert.Empty(t, p.Messages(testConv))
	assert.Equal(t, 1, rec.removeCount())
	assert.ErrorIs(t, p.Delete(msg.LocalID), ErrNotFound)

	// A late echo must not resurrect the deleted entry.
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		LocalID:        msg.LocalID,
		ServerID:       "srv_1",
	})
	assert.Empty(t, p.Messages(testConv))
}

func TestIncomingMessagesInsertInArrivalOrder(t *testing.T) {
	p, link := newTestPipeline(t, connection.StateConnected)

	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		ServerID:       "srv_a",
		Content:        &protocol.Content{Kind: protocol.KindText, Text: "first"},
		Sender:         &protocol.Sender{ID: "agent_1", Role: "consultant"},
	})
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		ServerID:       "srv_b",
		Content:        &protocol.Content{Kind: protocol.KindText, Text: "second"},
	})
	// Duplicate push of srv_a.
	link.receiveFrame(&protocol.Frame{
		Type:           protocol.TypeMessage,
		ConversationID: testConv,
		ServerID:       "srv_a",
	})

	log := p.Messages(testConv)
	require.Len(t, log, 2)
	assert.Equal(t, "first", log[0].Content.Text)
	assert.Equal(t, "second", log[1].Content.Text)
	assert.Equal(t, "agent_1", log[0].Sender.ID)
	assert.Equal(t, StatusSent, log[0].Status)
}

func TestSubmitValidation(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateConnected)

	_, err := p.Submit(testConv, textContent(""))
	assert.ErrorIs(t, err, ErrContentEmpty)

	_, err = p.Submit(testConv, textContent(strings.Repeat("x", MaxTextBytes+1)))
	assert.ErrorIs(t, err, ErrContentTooLarge)

	_, err = p.Submit(testConv, protocol.Content{Kind: "sticker"})
	assert.Error(t, err)

	_, err = p.Submit(testConv, protocol.Content{Kind: protocol.KindImage})
	assert.ErrorIs(t, err, ErrContentEmpty)

	assert.Empty(t, p.Messages(testConv), "rejected submissions must not create entries")
}

func TestUpdateMediaKeyRewritesReferences(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateDisconnected)

	content := protocol.Content{Kind: protocol.KindImage, MediaKey: "temp_abc"}
	m1, err := p.Submit(testConv, content)
	require.NoError(t, err)
	m2, err := p.Submit("conv_2", content)
	require.NoError(t, err)

	n := p.UpdateMediaKey("temp_abc", "media_42")
	assert.Equal(t, 2, n)

	got1, _ := p.Message(m1.LocalID)
	got2, _ := p.Message(m2.LocalID)
	assert.Equal(t, "media_42", got1.Content.MediaKey)
	assert.Equal(t, "media_42", got2.Content.MediaKey)

	assert.Equal(t, 0, p.UpdateMediaKey("temp_abc", "media_42"), "no references remain")
}

func TestMarkMediaFailed(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateDisconnected)

	msg, err := p.Submit(testConv, protocol.Content{Kind: protocol.KindImage, MediaKey: "temp_abc"})
	require.NoError(t, err)

	n := p.MarkMediaFailed("temp_abc", "upload failed")
	assert.Equal(t, 1, n)

	got, _ := p.Message(msg.LocalID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "upload failed", got.Error)
	assert.True(t, got.CanRetry)
}

func TestTeardownCancelsAckTimers(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateConnected)
	rec := &recorder{}
	rec.attach(p)

	_, err := p.Submit(testConv, textContent("hello"))
	require.NoError(t, err)

	p.Teardown(testConv)
	assert.Nil(t, p.Messages(testConv))
	assert.Equal(t, 1, rec.removeCount())

	before := rec.updateCount()
	time.Sleep(100 * time.Millisecond) // past the ack timeout
	assert.Equal(t, before, rec.updateCount(), "no stale timer may mutate a torn-down log")
}

func TestClosedPipelineRejectsSubmit(t *testing.T) {
	p, _ := newTestPipeline(t, connection.StateConnected)
	p.Close()

	_, err := p.Submit(testConv, textContent("hello"))
	assert.ErrorIs(t, err, ErrClosed)
}
