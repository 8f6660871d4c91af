package v1

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "init", in: `{"type":"init","user_id":"a"}`, want: TypeInit},
		{name: "padded type", in: `{"type":"  chat_message "}`, want: TypeChatMessage},
		{name: "missing type", in: `{"user_id":"a"}`, wantErr: true},
		{name: "not json", in: `hello`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeType([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("DecodeType(%q) expected error, got type %q", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeType(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("DecodeType(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestInitValidate(t *testing.T) {
	t.Parallel()

	if err := (Init{UserID: "u1"}).Validate(); err != nil {
		t.Fatalf("valid init: %v", err)
	}
	if err := (Init{UserID: "   "}).Validate(); err == nil {
		t.Fatalf("blank user_id must fail")
	}
	if err := (Init{UserID: strings.Repeat("x", MaxUserIDLen+1)}).Validate(); err == nil {
		t.Fatalf("oversized user_id must fail")
	}
}

func TestChatMessageValidate(t *testing.T) {
	t.Parallel()

	ok := ChatMessage{SenderID: "a", RecipientID: "b", Content: "hi"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid chat: %v", err)
	}

	noRecipient := ChatMessage{SenderID: "a", Content: "hi"}
	if err := noRecipient.Validate(); err == nil || !strings.Contains(err.Error(), "recipient_id") {
		t.Fatalf("expected recipient_id error, got %v", err)
	}

	blank := ChatMessage{SenderID: "a", RecipientID: "b", Content: " \n\t"}
	if err := blank.Validate(); err == nil || !strings.Contains(err.Error(), "content") {
		t.Fatalf("expected content error, got %v", err)
	}
}

func TestStatusWireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Status{
		Type:           TypeStatus,
		ConversationID: "c1",
		Message:        Message{ID: "m1", ConversationID: "c1", SenderID: "a", Content: "hi"},
		Status:         StatusSent,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "status" || got["status"] != "sent" || got["conversation_id"] != "c1" {
		t.Fatalf("unexpected status frame: %s", b)
	}
	msg, ok := got["message"].(map[string]any)
	if !ok || msg["id"] != "m1" {
		t.Fatalf("status frame must echo the message: %s", b)
	}
}
