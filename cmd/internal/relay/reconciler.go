package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	v1 "dmrelay/shared/contracts/relay/v1"
)

// Reconciler replays the messages a user has not yet received when they identify.
//
// Delivery is at-least-once: the checkpoint only moves after the backlog frame is queued,
// and queueing is not an acknowledgement from the client. Receivers deduplicate on Message.ID.
// A checkpoint never passes the newest message actually queued, so a message stored while
// the flush runs is replayed on the next init rather than skipped.
type Reconciler struct {
	log     *slog.Logger
	convs   ConversationStore
	msgs    MessageStore
	metrics *Metrics
}

// NewReconciler constructs a Reconciler over the given stores.
func NewReconciler(log *slog.Logger, convs ConversationStore, msgs MessageStore, metrics *Metrics) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log:     log,
		convs:   convs,
		msgs:    msgs,
		metrics: metrics,
	}
}

// Flush sends one undelivered_messages frame per conversation with a backlog and advances
// userID's checkpoint in each. It returns the number of conversations replayed.
//
// Flush stops at the first frame that cannot be queued; that conversation's checkpoint is
// left untouched so the backlog is offered again on the next init.
func (r *Reconciler) Flush(ctx context.Context, userID string, client *Client) (int, error) {
	convs, err := r.convs.ListForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	flushed := 0
	for _, conv := range convs {
		backlog, err := r.msgs.UndeliveredSince(ctx, conv.ID, conv.DeliveredCutoff(userID))
		if err != nil {
			return flushed, fmt.Errorf("undelivered since: %w", err)
		}
		if len(backlog) == 0 {
			continue
		}

		frame, err := json.Marshal(v1.Undelivered{
			Type:           v1.TypeUndeliveredMessages,
			ConversationID: conv.ID,
			Messages:       wireMessages(backlog),
		})
		if err != nil {
			return flushed, err
		}
		if err := client.Enqueue(ctx, frame); err != nil {
			return flushed, fmt.Errorf("enqueue backlog: %w", err)
		}

		if err := r.convs.MarkDelivered(ctx, conv.ID, userID, backlog[len(backlog)-1].Timestamp); err != nil {
			return flushed, fmt.Errorf("mark delivered: %w", err)
		}

		flushed++
		r.metrics.backlog(len(backlog))
		r.log.Debug("relay.backlog.flush",
			"user_id", userID,
			"conversation_id", conv.ID,
			"messages", len(backlog),
		)
	}
	return flushed, nil
}

func wireMessage(m Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		ReadBy:         m.ReadBy,
		IsDeleted:      m.IsDeleted,
	}
}

func wireMessages(ms []Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, wireMessage(m))
	}
	return out
}
