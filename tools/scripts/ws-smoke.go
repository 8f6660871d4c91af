// Package main provides a CI-friendly WebSocket smoke test for a running dmrelay.
//
// It validates:
//   - init -> init_ack for a fresh user
//   - chat_message to an offline user -> status "sent"
//   - backlog replay (undelivered_messages) on the recipient's init
//   - live push (message) to a connected recipient
//   - mark_read -> read_ack and list_conversations unread reset
//   - delete_message -> deleted, and no replay of deleted messages
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "dmrelay/shared/contracts/relay/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

// frame is an inbound frame with its type already decoded.
type frame struct {
	typ  string
	data []byte
}

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	aliceID, bobID := "smoke-a-"+suffix, "smoke-b-"+suffix

	// 1) A online, B offline: the message is stored.
	a := mustConnect(root, "A", aliceID, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	stored := mustSend(root, a, bobID, *text+" (stored)", *timeout)
	if *verbose {
		fmt.Printf("stored: id=%s conv=%s\n", stored.Message.ID, stored.ConversationID)
	}

	// 2) B identifies and receives the backlog before init_ack.
	b := mustConnectExpectBacklog(root, "B", bobID, *wsURL, *origin, stored.Message.ID, *timeout)
	defer closeWS(b.conn)

	// 3) Live push.
	live := mustSend(root, a, bobID, *text+" (live)", *timeout)
	var push v1.Push
	b.mustReadUntilType(root, v1.TypeMessage, *timeout, &push)
	if push.Message.ID != live.Message.ID || push.Message.SenderID != aliceID {
		fatalf("live push mismatch: got id=%q sender=%q want id=%q sender=%q", push.Message.ID, push.Message.SenderID, live.Message.ID, aliceID)
	}

	// 4) Read receipts.
	mustWrite(root, b.conn, v1.MarkRead{
		Type:           v1.TypeMarkRead,
		ConversationID: live.ConversationID,
		MessageIDs:     []string{stored.Message.ID, live.Message.ID},
	}, *timeout)
	var rack v1.ReadAck
	b.mustReadUntilType(root, v1.TypeReadAck, *timeout, &rack)
	if rack.Read != 2 {
		fatalf("read_ack read=%d want 2", rack.Read)
	}
	mustAssertUnread(root, b, live.ConversationID, 0, *timeout)

	// 5) Delete, then reconnect B: nothing is replayed.
	mustWrite(root, a.conn, v1.DeleteMessage{Type: v1.TypeDeleteMessage, MessageID: live.Message.ID}, *timeout)
	var del v1.Deleted
	a.mustReadUntilType(root, v1.TypeDeleted, *timeout, &del)
	if del.MessageID != live.Message.ID {
		fatalf("deleted message_id=%q want %q", del.MessageID, live.Message.ID)
	}

	closeWS(b.conn)
	b2 := mustConnect(root, "B2", bobID, *wsURL, *origin, *timeout)
	defer closeWS(b2.conn)

	mustAssertNoType(root, b2, v1.TypeUndeliveredMessages, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conv_id=%s stored=%s live=%s\n", aliceID, bobID, live.ConversationID, stored.Message.ID, live.Message.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func dial(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan frame, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, v1.Init{Type: v1.TypeInit, UserID: userID}, stepTimeout)
	return c
}

// mustConnect identifies and expects init_ack with no backlog in between.
func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	c := dial(parent, name, userID, wsURL, origin, stepTimeout)

	var ack v1.InitAck
	c.mustReadUntilType(parent, v1.TypeInitAck, stepTimeout, &ack)
	if ack.UserID != userID {
		fatalf("init_ack user_id mismatch (%s): got=%q want=%q", name, ack.UserID, userID)
	}
	return c
}

func mustConnectExpectBacklog(parent context.Context, name, userID, wsURL, origin, wantMsgID string, stepTimeout time.Duration) *smokeClient {
	c := dial(parent, name, userID, wsURL, origin, stepTimeout)

	var backlog v1.Undelivered
	c.mustReadUntilType(parent, v1.TypeUndeliveredMessages, stepTimeout, &backlog)
	found := false
	for _, m := range backlog.Messages {
		if m.ID == wantMsgID {
			found = true
		}
	}
	if !found {
		fatalf("backlog (%s) missing message %s: got %d messages", name, wantMsgID, len(backlog.Messages))
	}

	var ack v1.InitAck
	c.mustReadUntilType(parent, v1.TypeInitAck, stepTimeout, &ack)
	if ack.BacklogConversations < 1 {
		fatalf("init_ack backlog_conversations=%d want >=1 (%s)", ack.BacklogConversations, name)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			typ, err := v1.DecodeType(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- frame{typ: typ, data: data}:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, recipientID, text string, stepTimeout time.Duration) v1.Status {
	mustWrite(parent, c.conn, v1.ChatMessage{
		Type:        v1.TypeChatMessage,
		SenderID:    c.userID,
		RecipientID: recipientID,
		Content:     text,
	}, stepTimeout)

	var st v1.Status
	c.mustReadUntilType(parent, v1.TypeStatus, stepTimeout, &st)
	if st.Status != v1.StatusSent {
		fatalf("status (%s): got=%q want=%q", c.name, st.Status, v1.StatusSent)
	}
	if strings.TrimSpace(st.Message.ID) == "" || strings.TrimSpace(st.ConversationID) == "" {
		fatalf("status (%s) missing ids: %+v", c.name, st)
	}
	if st.Message.Content != strings.TrimSpace(text) {
		fatalf("status (%s) content mismatch: got=%q want=%q", c.name, st.Message.Content, text)
	}
	return st
}

func mustAssertUnread(parent context.Context, c *smokeClient, convID string, want int, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, map[string]string{"type": v1.TypeListConversations}, stepTimeout)

	var list v1.Conversations
	c.mustReadUntilType(parent, v1.TypeConversations, stepTimeout, &list)
	for _, s := range list.Conversations {
		if s.ID == convID {
			if s.UnreadCount != want {
				fatalf("unread_count (%s) conv=%s got=%d want=%d", c.name, convID, s.UnreadCount, want)
			}
			return
		}
	}
	fatalf("conversation %s missing from list (%s)", convID, c.name)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if f.typ == v1.TypeError {
				failOnError(c, f)
			}
			if f.typ == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, out any) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.typ == wantType {
				if out != nil {
					if err := json.Unmarshal(f.data, out); err != nil {
						fatalf("unmarshal %s (%s): %v", wantType, c.name, err)
					}
				}
				return
			}
			if f.typ == v1.TypeError {
				failOnError(c, f)
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.typ, wantType)
		}
	}
}

func failOnError(c *smokeClient, f frame) {
	var ep v1.Error
	_ = json.Unmarshal(f.data, &ep)
	fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Error)
}

func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
