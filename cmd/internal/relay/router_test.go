package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "dmrelay/shared/contracts/relay/v1"
)

type fakePresence struct {
	mu      sync.Mutex
	touched []string
}

func (p *fakePresence) Touch(_ context.Context, userID string, _ time.Time) error {
	p.mu.Lock()
	p.touched = append(p.touched, userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.touched {
		if u == userID {
			n++
		}
	}
	return n
}

type routerFixture struct {
	router   *Router
	store    *MemoryStore
	registry *Registry
	metrics  *Metrics
	presence *fakePresence
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	f := &routerFixture{
		store:    NewMemoryStore(),
		registry: NewRegistry(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		presence: &fakePresence{},
	}
	r, err := NewRouter(RouterConfig{
		Registry: f.registry,
		Store:    f.store,
		Presence: f.presence,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	f.router = r
	return f
}

// open returns an unidentified session.
func (f *routerFixture) open(name string) *Session {
	return f.router.NewSession(NewClient(name, 0))
}

// identify opens a session for userID and consumes frames up to init_ack.
func (f *routerFixture) identify(t *testing.T, userID string) (*Session, []v1.Undelivered) {
	t.Helper()
	sess := f.open(userID + "-session")
	backlog := f.init(t, sess, userID)
	return sess, backlog
}

func (f *routerFixture) init(t *testing.T, sess *Session, userID string) []v1.Undelivered {
	t.Helper()
	f.handle(t, sess, v1.Init{Type: v1.TypeInit, UserID: userID})

	var backlog []v1.Undelivered
	for {
		typ, raw := nextFrame(t, sess.Client())
		switch typ {
		case v1.TypeUndeliveredMessages:
			var u v1.Undelivered
			require.NoError(t, json.Unmarshal(raw, &u))
			backlog = append(backlog, u)
		case v1.TypeInitAck:
			var ack v1.InitAck
			require.NoError(t, json.Unmarshal(raw, &ack))
			require.Equal(t, userID, ack.UserID)
			require.Equal(t, len(backlog), ack.BacklogConversations)
			return backlog
		default:
			t.Fatalf("unexpected frame during init: %s", raw)
		}
	}
}

func (f *routerFixture) handle(t *testing.T, sess *Session, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.router.Handle(context.Background(), sess, b)
}

func (f *routerFixture) chat(t *testing.T, sess *Session, to, content string) v1.Status {
	t.Helper()
	f.handle(t, sess, v1.ChatMessage{Type: v1.TypeChatMessage, SenderID: sess.UserID(), RecipientID: to, Content: content})
	var st v1.Status
	expectFrame(t, sess.Client(), v1.TypeStatus, &st)
	return st
}

func nextFrame(t *testing.T, c *Client) (string, []byte) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		typ, err := v1.DecodeType(raw)
		require.NoError(t, err)
		return typ, raw
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for frame on %s", c.SessionID)
		return "", nil
	}
}

func expectFrame(t *testing.T, c *Client, wantType string, out any) {
	t.Helper()
	typ, raw := nextFrame(t, c)
	require.Equal(t, wantType, typ, "frame: %s", raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func expectError(t *testing.T, c *Client, wantCode string) {
	t.Helper()
	var e v1.Error
	expectFrame(t, c, v1.TypeError, &e)
	assert.Equal(t, wantCode, e.Code, "error: %s", e.Error)
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func TestRouter_RejectsBeforeInit(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	sess := f.open("s1")

	f.handle(t, sess, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "bob", Content: "hi"})
	expectError(t, sess.Client(), codeNotIdentified)

	f.router.Handle(context.Background(), sess, []byte(`{not json`))
	expectError(t, sess.Client(), codeBadJSON)

	f.router.Handle(context.Background(), sess, []byte(`{"user_id":"alice"}`))
	expectError(t, sess.Client(), codeInvalidFrame)

	f.handle(t, sess, v1.Init{Type: v1.TypeInit, UserID: "  "})
	expectError(t, sess.Client(), codeInvalidFrame)

	assert.Equal(t, StateConnecting, sess.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.framesRejected.WithLabelValues(codeNotIdentified)))
}

// A sends to an offline B: stored, unread bumped for B only, status ack, no push.
func TestRouter_OfflineRecipientIsStored(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, backlog := f.identify(t, "alice")
	require.Empty(t, backlog)

	st := f.chat(t, alice, "bob", "hi")
	assert.Equal(t, v1.StatusSent, st.Status)
	assert.Equal(t, "hi", st.Message.Content)
	assert.Equal(t, "alice", st.Message.SenderID)
	assert.NotEmpty(t, st.Message.ID)

	conv, err := f.store.Get(context.Background(), st.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, 1, conv.UnreadCounts["bob"])
	assert.Equal(t, 0, conv.UnreadCounts["alice"])
	assert.Equal(t, st.Message.ID, conv.LastMessageID)
	_, delivered := conv.LastDelivered["bob"]
	assert.False(t, delivered, "no push means no checkpoint")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.messagesRouted.WithLabelValues(routeStored)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.messagesRouted.WithLabelValues(routeLive)))
}

// B connects and receives the backlog once; an immediate re-init replays nothing.
func TestRouter_InitFlushesBacklogOnce(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	st := f.chat(t, alice, "bob", "hi")

	bob, backlog := f.identify(t, "bob")
	require.Len(t, backlog, 1)
	assert.Equal(t, st.ConversationID, backlog[0].ConversationID)
	require.Len(t, backlog[0].Messages, 1)
	assert.Equal(t, st.Message.ID, backlog[0].Messages[0].ID)
	assert.Equal(t, "hi", backlog[0].Messages[0].Content)

	conv, err := f.store.Get(context.Background(), st.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.DeliveredCutoff("bob").Equal(st.Message.Timestamp), "checkpoint stops at the newest replayed message")

	again := f.init(t, bob, "bob")
	assert.Empty(t, again)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.backlogMessages))
}

// With both online, pushes arrive in order and advance the recipient's checkpoint each time.
func TestRouter_LivePushAdvancesCheckpoint(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	bob, _ := f.identify(t, "bob")

	var last time.Time
	for _, text := range []string{"first", "second"} {
		st := f.chat(t, bob, "alice", text)

		var push v1.Push
		expectFrame(t, alice.Client(), v1.TypeMessage, &push)
		assert.Equal(t, text, push.Message.Content)
		assert.Equal(t, st.Message.ID, push.Message.ID)

		conv, err := f.store.Get(context.Background(), st.ConversationID)
		require.NoError(t, err)
		cp := conv.DeliveredCutoff("alice")
		assert.True(t, cp.After(last), "checkpoint must advance")
		assert.False(t, cp.Before(st.Message.Timestamp))
		last = cp
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.messagesRouted.WithLabelValues(routeLive)))

	// Nothing left to replay.
	assert.Empty(t, f.init(t, alice, "alice"))
}

// A second init for the same user displaces the first connection.
func TestRouter_SecondConnectionDisplacesFirst(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	bob1, _ := f.identify(t, "bob")
	bob2, _ := f.identify(t, "bob")

	select {
	case <-bob1.Client().Done():
	default:
		t.Fatalf("displaced connection must be closed")
	}
	code, _ := bob1.Client().CloseStatus()
	assert.Equal(t, StatusSessionReplaced, code)

	f.chat(t, alice, "bob", "to the new one")
	expectFrame(t, bob2.Client(), v1.TypeMessage, nil)
	expectNoFrame(t, bob1.Client())

	// The displaced connection's late close must not remove its successor.
	f.router.Close(context.Background(), bob1)
	got, ok := f.registry.Lookup("bob")
	require.True(t, ok)
	assert.Same(t, bob2.Client(), got)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.sessionsDisplaced))
}

func TestRouter_ChatValidation(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	c := alice.Client()

	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, SenderID: "mallory", RecipientID: "bob", Content: "hi"})
	expectError(t, c, codeSenderMismatch)

	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "alice", Content: "hi"})
	expectError(t, c, codeInvalidFrame)

	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "bob", Content: "   "})
	expectError(t, c, codeInvalidFrame)

	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "bob", Content: strings.Repeat("é", maxMessageChars+1)})
	expectError(t, c, codeInvalidFrame)

	// Omitted sender_id defaults to the identified user; content is trimmed.
	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "bob", Content: "  hello  "})
	var st v1.Status
	expectFrame(t, c, v1.TypeStatus, &st)
	assert.Equal(t, "alice", st.Message.SenderID)
	assert.Equal(t, "hello", st.Message.Content)
}

func TestRouter_ReinitWithOtherUserRejected(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")

	f.handle(t, alice, v1.Init{Type: v1.TypeInit, UserID: "bob"})
	expectError(t, alice.Client(), codeAlreadyIdentified)
	assert.Equal(t, "alice", alice.UserID())

	_, ok := f.registry.Lookup("bob")
	assert.False(t, ok)
}

func TestRouter_UnknownTypeIsSilent(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")

	f.router.Handle(context.Background(), alice, []byte(`{"type":"typing","to":"bob"}`))
	expectNoFrame(t, alice.Client())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.framesIgnored))
}

func TestRouter_MarkReadResetsUnread(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	st1 := f.chat(t, alice, "bob", "one")
	st2 := f.chat(t, alice, "bob", "two")

	bob, backlog := f.identify(t, "bob")
	require.Len(t, backlog, 1)

	f.handle(t, bob, v1.MarkRead{
		Type:           v1.TypeMarkRead,
		ConversationID: st1.ConversationID,
		MessageIDs:     []string{st1.Message.ID, st2.Message.ID, st2.Message.ID, "unknown"},
	})
	var ack v1.ReadAck
	expectFrame(t, bob.Client(), v1.TypeReadAck, &ack)
	assert.Equal(t, 3, ack.Read)

	conv, err := f.store.Get(context.Background(), st1.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCounts["bob"])

	msgs, err := f.store.UndeliveredSince(context.Background(), conv.ID, time.Time{})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.ElementsMatch(t, []string{"alice", "bob"}, m.ReadBy)
	}

	// Outsiders cannot touch the conversation.
	carol, _ := f.identify(t, "carol")
	f.handle(t, carol, v1.MarkRead{Type: v1.TypeMarkRead, ConversationID: conv.ID})
	expectError(t, carol.Client(), codeForbidden)

	f.handle(t, carol, v1.MarkRead{Type: v1.TypeMarkRead, ConversationID: "nope"})
	expectError(t, carol.Client(), codeNotFound)
}

func TestRouter_DeletedMessagesAreNotReplayed(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	keep := f.chat(t, alice, "bob", "keep")
	drop := f.chat(t, alice, "bob", "oops")

	f.handle(t, alice, v1.DeleteMessage{Type: v1.TypeDeleteMessage, MessageID: drop.Message.ID})
	var del v1.Deleted
	expectFrame(t, alice.Client(), v1.TypeDeleted, &del)
	assert.Equal(t, drop.Message.ID, del.MessageID)
	assert.Equal(t, drop.ConversationID, del.ConversationID)

	bob, backlog := f.identify(t, "bob")
	require.Len(t, backlog, 1)
	require.Len(t, backlog[0].Messages, 1)
	assert.Equal(t, keep.Message.ID, backlog[0].Messages[0].ID)

	f.handle(t, bob, v1.DeleteMessage{Type: v1.TypeDeleteMessage, MessageID: keep.Message.ID})
	expectError(t, bob.Client(), codeForbidden)
}

func TestRouter_ListConversations(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	f.chat(t, alice, "bob", "hi bob")
	toCarol := f.chat(t, alice, "carol", "hi carol")

	carol, _ := f.identify(t, "carol")
	f.handle(t, carol, map[string]string{"type": v1.TypeListConversations})

	var list v1.Conversations
	expectFrame(t, carol.Client(), v1.TypeConversations, &list)
	require.Len(t, list.Conversations, 1)
	got := list.Conversations[0]
	assert.Equal(t, toCarol.ConversationID, got.ID)
	assert.Equal(t, []string{"alice", "carol"}, got.Participants)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, toCarol.Message.ID, got.LastMessageID)

	f.handle(t, alice, map[string]string{"type": v1.TypeListConversations})
	expectFrame(t, alice.Client(), v1.TypeConversations, &list)
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, toCarol.ConversationID, list.Conversations[0].ID, "most recent first")
}

func TestRouter_CloseUnregistersAndTouchesPresence(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	assert.Equal(t, 1, f.presence.count("alice"))

	f.router.Close(context.Background(), alice)
	assert.Equal(t, StateClosed, alice.State())
	_, ok := f.registry.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 2, f.presence.count("alice"))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.connectionsActive))

	// Frames after close are ignored.
	f.handle(t, alice, v1.ChatMessage{Type: v1.TypeChatMessage, RecipientID: "bob", Content: "late"})
	expectNoFrame(t, alice.Client())
}

// A recipient whose queue overflows is dropped, so a later push cannot move its checkpoint
// past the message it missed; the next init replays it.
func TestRouter_FullQueueDropsRecipientAndKeepsBacklog(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	slow := f.router.NewSession(NewClient("bob-slow", 1))
	require.Empty(t, f.init(t, slow, "bob"))

	m1 := f.chat(t, alice, "bob", "m1")
	m2 := f.chat(t, alice, "bob", "m2")

	select {
	case <-slow.Client().Done():
	default:
		t.Fatalf("overflowing recipient must be closed")
	}
	code, reason := slow.Client().CloseStatus()
	assert.Equal(t, websocket.StatusPolicyViolation, code)
	assert.Equal(t, "send queue full", reason)
	_, ok := f.registry.Lookup("bob")
	assert.False(t, ok, "overflowing recipient must be unregistered")

	var push v1.Push
	expectFrame(t, slow.Client(), v1.TypeMessage, &push)
	assert.Equal(t, m1.Message.ID, push.Message.ID)

	m3 := f.chat(t, alice, "bob", "m3")
	expectNoFrame(t, slow.Client())
	f.router.Close(context.Background(), slow)

	_, backlog := f.identify(t, "bob")
	require.Len(t, backlog, 1)
	var got []string
	for _, m := range backlog[0].Messages {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{m2.Message.ID, m3.Message.ID}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.messagesRouted.WithLabelValues(routeLive)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.messagesRouted.WithLabelValues(routeStored)))
}

// A message that cannot be pushed while the recipient's init is still replaying is not
// covered by that replay's checkpoint.
func TestRouter_FullQueueDuringReplayKeepsBacklog(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	carol, _ := f.identify(t, "carol")
	f.chat(t, alice, "bob", "from alice")
	f.chat(t, carol, "bob", "from carol")

	slow := f.router.NewSession(NewClient("bob-slow", 1))
	initFrame, err := json.Marshal(v1.Init{Type: v1.TypeInit, UserID: "bob"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Handle(context.Background(), slow, initFrame)
	}()

	// The first backlog frame fills the queue; the replay then waits on the second.
	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup("bob")
		return ok && len(slow.Client().Outbound()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	late := f.chat(t, alice, "bob", "late")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("replay did not stop after the recipient was dropped")
	}
	assert.False(t, slow.Client().Synced())

	_, backlog := f.identify(t, "bob")
	var replayed []string
	for _, u := range backlog {
		for _, m := range u.Messages {
			replayed = append(replayed, m.ID)
		}
	}
	assert.Contains(t, replayed, late.Message.ID)
}

func TestReconciler_ClosedClientKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	alice, _ := f.identify(t, "alice")
	st := f.chat(t, alice, "bob", "hi")

	closed := NewClient("closed", 0)
	closed.Close(StatusSessionReplaced, "gone")

	n, err := f.router.reconciler.Flush(context.Background(), "bob", closed)
	require.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, n)

	conv, err := f.store.Get(context.Background(), st.ConversationID)
	require.NoError(t, err)
	_, ok := conv.LastDelivered["bob"]
	assert.False(t, ok, "failed flush must not advance the checkpoint")

	_, backlog := f.identify(t, "bob")
	require.Len(t, backlog, 1)
}

func TestNewRouter_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewRouter(RouterConfig{Store: NewMemoryStore()})
	assert.Error(t, err)
	_, err = NewRouter(RouterConfig{Registry: NewRegistry()})
	assert.Error(t, err)
}
