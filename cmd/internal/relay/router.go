package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	v1 "dmrelay/shared/contracts/relay/v1"
)

// Error codes carried by error frames.
const (
	codeBadJSON           = "bad_json"
	codeInvalidFrame      = "invalid_frame"
	codeNotIdentified     = "not_identified"
	codeAlreadyIdentified = "already_identified"
	codeSenderMismatch    = "sender_mismatch"
	codeInitFailed        = "init_failed"
	codeSendFailed        = "send_failed"
	codeReadFailed        = "read_failed"
	codeDeleteFailed      = "delete_failed"
	codeListFailed        = "list_failed"
	codeNotFound          = "not_found"
	codeForbidden         = "forbidden"
	codeRateLimited       = "rate_limited"
)

// SessionState is the protocol state of one connection.
type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateIdentified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the router's per-connection state. It is owned by the connection's read loop
// and must not be shared across goroutines.
type Session struct {
	client *Client
	userID string
	state  SessionState
}

// UserID returns the bound user id, empty until identified.
func (s *Session) UserID() string { return s.userID }

// State returns the protocol state.
func (s *Session) State() SessionState { return s.state }

// Client returns the connection handle.
func (s *Session) Client() *Client { return s.client }

// PresenceRecorder is notified when a user identifies and when their connection closes.
type PresenceRecorder interface {
	Touch(ctx context.Context, userID string, at time.Time) error
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Log      *slog.Logger
	Registry *Registry
	Store    Store
	Presence PresenceRecorder
	Metrics  *Metrics
}

// Router consumes inbound frames, persists chat messages and decides between live push
// and stored delivery.
type Router struct {
	log        *slog.Logger
	registry   *Registry
	convs      ConversationStore
	msgs       MessageStore
	reconciler *Reconciler
	presence   PresenceRecorder
	metrics    *Metrics
	now        func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.New("relay: nil registry")
	}
	if cfg.Store == nil {
		return nil, errors.New("relay: nil store")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:        log,
		registry:   cfg.Registry,
		convs:      cfg.Store,
		msgs:       cfg.Store,
		reconciler: NewReconciler(log, cfg.Store, cfg.Store, cfg.Metrics),
		presence:   cfg.Presence,
		metrics:    cfg.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewSession starts tracking a freshly accepted connection.
func (r *Router) NewSession(client *Client) *Session {
	r.metrics.connOpened()
	return &Session{client: client, state: StateConnecting}
}

// Handle processes one inbound frame. Failures are reported to the client as error frames;
// nothing here ends the connection.
func (r *Router) Handle(ctx context.Context, sess *Session, data []byte) {
	if sess.state == StateClosed {
		return
	}

	typ, err := v1.DecodeType(data)
	if err != nil {
		if errors.Is(err, v1.ErrMissingType) {
			r.reject(sess, codeInvalidFrame, err.Error())
			return
		}
		r.reject(sess, codeBadJSON, "invalid JSON")
		return
	}

	if sess.state == StateConnecting && typ != v1.TypeInit {
		r.reject(sess, codeNotIdentified, "send init first")
		return
	}

	switch typ {
	case v1.TypeInit:
		r.onInit(ctx, sess, data)
	case v1.TypeChatMessage:
		r.onChat(ctx, sess, data)
	case v1.TypeMarkRead:
		r.onMarkRead(ctx, sess, data)
	case v1.TypeDeleteMessage:
		r.onDelete(ctx, sess, data)
	case v1.TypeListConversations:
		r.onList(ctx, sess)
	default:
		r.metrics.ignored()
		r.log.Debug("relay.frame.ignored", "user_id", sess.userID, "type", typ)
	}
}

// Close ends the session. The registry entry is removed only if it still points at this
// session's client.
func (r *Router) Close(ctx context.Context, sess *Session) {
	if sess.state == StateClosed {
		return
	}
	wasIdentified := sess.state == StateIdentified
	sess.state = StateClosed
	r.metrics.connClosed()

	if !wasIdentified {
		return
	}
	removed := r.registry.Unregister(sess.userID, sess.client)
	r.touch(ctx, sess.userID)
	r.log.Info("relay.session.close", "user_id", sess.userID, "session_id", sess.client.SessionID, "unregistered", removed)
}

func (r *Router) onInit(ctx context.Context, sess *Session, data []byte) {
	var p v1.Init
	if err := json.Unmarshal(data, &p); err != nil {
		r.reject(sess, codeBadJSON, "invalid init payload")
		return
	}
	if err := p.Validate(); err != nil {
		r.reject(sess, codeInvalidFrame, err.Error())
		return
	}
	userID := strings.TrimSpace(p.UserID)

	if sess.state == StateIdentified && userID != sess.userID {
		r.reject(sess, codeAlreadyIdentified, "connection already bound to another user")
		return
	}

	sess.client.setSynced(false)
	sess.userID = userID
	sess.state = StateIdentified

	if displaced := r.registry.Register(userID, sess.client); displaced != nil {
		displaced.Close(StatusSessionReplaced, "session replaced")
		r.metrics.displaced()
		r.log.Info("relay.session.replaced",
			"user_id", userID,
			"session_id", sess.client.SessionID,
			"displaced_session_id", displaced.SessionID,
		)
	}
	r.touch(ctx, userID)

	n, err := r.reconciler.Flush(ctx, userID, sess.client)
	if err != nil {
		r.log.Error("relay.backlog.fail", "user_id", userID, "err", err)
		r.reject(sess, codeInitFailed, "backlog replay failed")
		return
	}
	sess.client.setSynced(true)

	r.log.Info("relay.session.identified", "user_id", userID, "session_id", sess.client.SessionID, "backlog_conversations", n)
	r.send(ctx, sess, v1.InitAck{Type: v1.TypeInitAck, UserID: userID, BacklogConversations: n})
}

func (r *Router) onChat(ctx context.Context, sess *Session, data []byte) {
	var p v1.ChatMessage
	if err := json.Unmarshal(data, &p); err != nil {
		r.reject(sess, codeBadJSON, "invalid chat_message payload")
		return
	}
	if err := p.Validate(); err != nil {
		r.reject(sess, codeInvalidFrame, err.Error())
		return
	}

	sender := strings.TrimSpace(p.SenderID)
	if sender == "" {
		sender = sess.userID
	}
	if sender != sess.userID {
		r.reject(sess, codeSenderMismatch, "sender_id does not match identified user")
		return
	}
	recipient := strings.TrimSpace(p.RecipientID)
	if recipient == sender {
		r.reject(sess, codeInvalidFrame, "recipient_id must differ from sender_id")
		return
	}
	content := strings.TrimSpace(p.Content)
	if utf8.RuneCountInString(content) > maxMessageChars {
		r.reject(sess, codeInvalidFrame, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}

	now := r.now()
	msg, err := r.persist(ctx, sender, recipient, content, now)
	if err != nil {
		r.log.Error("relay.chat.persist.fail", "sender_id", sender, "recipient_id", recipient, "err", err)
		r.reject(sess, codeSendFailed, "message could not be stored")
		return
	}

	r.route(ctx, recipient, msg)

	r.send(ctx, sess, v1.Status{
		Type:           v1.TypeStatus,
		ConversationID: msg.ConversationID,
		Message:        wireMessage(msg),
		Status:         v1.StatusSent,
	})
}

func (r *Router) persist(ctx context.Context, sender, recipient, content string, now time.Time) (Message, error) {
	conv, err := r.convs.FindOrCreate(ctx, sender, recipient, now)
	if err != nil {
		return Message{}, fmt.Errorf("find or create conversation: %w", err)
	}
	msg, err := r.msgs.Append(ctx, conv.ID, sender, content, now)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := r.convs.UpdateLastMessage(ctx, conv.ID, msg.ID, sender, msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("update last message: %w", err)
	}
	return msg, nil
}

// route pushes msg to the recipient when they are connected and their queue has room.
// Otherwise the message stays behind the recipient's checkpoint for the next init.
//
// A registered client whose queue is full is closed and unregistered: any later push to it
// would advance the checkpoint past the message it missed.
func (r *Router) route(ctx context.Context, recipient string, msg Message) {
	client, ok := r.registry.Lookup(recipient)
	if !ok {
		r.metrics.routed(routeStored)
		r.log.Debug("relay.route.stored", "recipient_id", recipient, "message_id", msg.ID)
		return
	}

	frame, _ := json.Marshal(v1.Push{
		Type:           v1.TypeMessage,
		ConversationID: msg.ConversationID,
		Message:        wireMessage(msg),
	})
	if !client.Push(frame) {
		r.metrics.routed(routeStored)
		client.Close(websocket.StatusPolicyViolation, "send queue full")
		removed := r.registry.Unregister(recipient, client)
		r.log.Warn("relay.route.backpressure",
			"recipient_id", recipient,
			"session_id", client.SessionID,
			"message_id", msg.ID,
			"unregistered", removed,
		)
		return
	}
	r.metrics.routed(routeLive)

	if !client.Synced() {
		// The recipient's init is still replaying; its flush advances the checkpoint.
		return
	}
	if err := r.convs.MarkDelivered(ctx, msg.ConversationID, recipient, msg.Timestamp); err != nil {
		r.log.Error("relay.route.checkpoint.fail", "recipient_id", recipient, "conversation_id", msg.ConversationID, "err", err)
		return
	}
	r.log.Debug("relay.route.live", "recipient_id", recipient, "message_id", msg.ID)
}

func (r *Router) onMarkRead(ctx context.Context, sess *Session, data []byte) {
	var p v1.MarkRead
	if err := json.Unmarshal(data, &p); err != nil {
		r.reject(sess, codeBadJSON, "invalid mark_read payload")
		return
	}
	if err := p.Validate(); err != nil {
		r.reject(sess, codeInvalidFrame, err.Error())
		return
	}
	if len(p.MessageIDs) > maxMarkReadIDs {
		r.reject(sess, codeInvalidFrame, fmt.Sprintf("too many message_ids: max=%d", maxMarkReadIDs))
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	conv, err := r.convs.Get(ctx, convID)
	if err != nil {
		r.rejectStoreErr(sess, codeReadFailed, err)
		return
	}
	if !conv.HasParticipant(sess.userID) {
		r.reject(sess, codeForbidden, "not a participant of conversation_id")
		return
	}

	if err := r.convs.ResetUnread(ctx, convID, sess.userID); err != nil {
		r.rejectStoreErr(sess, codeReadFailed, err)
		return
	}

	read := 0
	for _, id := range p.MessageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := r.msgs.MarkRead(ctx, id, sess.userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			r.rejectStoreErr(sess, codeReadFailed, err)
			return
		}
		read++
	}

	r.send(ctx, sess, v1.ReadAck{Type: v1.TypeReadAck, ConversationID: convID, Read: read})
}

func (r *Router) onDelete(ctx context.Context, sess *Session, data []byte) {
	var p v1.DeleteMessage
	if err := json.Unmarshal(data, &p); err != nil {
		r.reject(sess, codeBadJSON, "invalid delete_message payload")
		return
	}
	if err := p.Validate(); err != nil {
		r.reject(sess, codeInvalidFrame, err.Error())
		return
	}

	msg, err := r.msgs.SoftDelete(ctx, strings.TrimSpace(p.MessageID), sess.userID)
	if err != nil {
		r.rejectStoreErr(sess, codeDeleteFailed, err)
		return
	}
	r.send(ctx, sess, v1.Deleted{Type: v1.TypeDeleted, ConversationID: msg.ConversationID, MessageID: msg.ID})
}

func (r *Router) onList(ctx context.Context, sess *Session) {
	convs, err := r.convs.ListForUser(ctx, sess.userID)
	if err != nil {
		r.rejectStoreErr(sess, codeListFailed, err)
		return
	}

	out := make([]v1.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, v1.ConversationSummary{
			ID:            c.ID,
			Participants:  []string{c.Participants[0], c.Participants[1]},
			CreatedAt:     c.CreatedAt,
			LastMessageAt: c.LastMessageAt,
			LastMessageID: c.LastMessageID,
			UnreadCount:   c.UnreadCounts[sess.userID],
		})
	}
	r.send(ctx, sess, v1.Conversations{Type: v1.TypeConversations, Conversations: out})
}

func (r *Router) touch(ctx context.Context, userID string) {
	if r.presence == nil {
		return
	}
	if err := r.presence.Touch(ctx, userID, r.now()); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Debug("relay.presence.fail", "user_id", userID, "err", err)
	}
}

// ---- send helpers ----

// send queues a reply, waiting for room in the client's queue.
func (r *Router) send(ctx context.Context, sess *Session, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		r.log.Error("relay.encode.fail", "err", err)
		return
	}
	if err := sess.client.Enqueue(ctx, frame); err != nil {
		r.log.Debug("relay.send.drop", "user_id", sess.userID, "session_id", sess.client.SessionID, "err", err)
	}
}

// reject replies with an error frame. Error frames are best-effort and never block.
func (r *Router) reject(sess *Session, code, msg string) {
	r.metrics.rejected(code)
	frame, _ := json.Marshal(v1.Error{Type: v1.TypeError, Code: code, Error: msg})
	if !sess.client.Push(frame) {
		r.log.Debug("relay.error.drop", "user_id", sess.userID, "code", code)
	}
}

func (r *Router) rejectStoreErr(sess *Session, code string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		r.reject(sess, codeNotFound, "not found")
	case errors.Is(err, ErrForbidden):
		r.reject(sess, codeForbidden, "not allowed")
	case errors.Is(err, ErrInvalidInput):
		r.reject(sess, codeInvalidFrame, err.Error())
	default:
		r.log.Error("relay.store.fail", "user_id", sess.userID, "code", code, "err", err)
		r.reject(sess, code, "storage failure")
	}
}
