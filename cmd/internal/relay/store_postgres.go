package relay

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmrelay/cmd/internal/ids"
)

//go:embed schema.sql
var schemaSQL string

const pgForeignKeyViolation = "23503"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Conversation creation is a single upsert on the unique sorted pair.
//   - Unread counters and delivery checkpoints are updated in-place (unread_count + 1, GREATEST).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "dmrelay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "dmrelay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks pool connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	script := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("relay: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

// FindOrCreate upserts the conversation for the sorted pair and both member rows.
func (s *PostgresStore) FindOrCreate(ctx context.Context, userA, userB string, now time.Time) (Conversation, error) {
	pair, err := CanonicalPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	now = pgTime(nowOr(now))

	candidate, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation id: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	var id string
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, participant_lo, participant_hi, created_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participant_lo, participant_hi)
		 DO UPDATE SET participant_lo = EXCLUDED.participant_lo
		 RETURNING id`,
		candidate, pair[0], pair[1], now,
	).Scan(&id); err != nil {
		return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversation_members")+` (conversation_id, user_id)
		 VALUES ($1, $2), ($1, $3)
		 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		id, pair[0], pair[1],
	); err != nil {
		return Conversation{}, fmt.Errorf("upsert members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return s.Get(ctx, id)
}

// Get loads a conversation with its member state.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	convs, err := s.queryConversations(ctx, `c.id = $1`, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if len(convs) == 0 {
		return Conversation{}, ErrNotFound
	}
	return convs[0], nil
}

// ListForUser returns userID's conversations, most recently active first.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	return s.queryConversations(ctx, `(c.participant_lo = $1 OR c.participant_hi = $1)`, userID)
}

func (s *PostgresStore) queryConversations(ctx context.Context, where string, arg string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.participant_lo, c.participant_hi, c.created_at, c.last_message_at, c.last_message_id,
		        m.user_id, m.unread_count, m.last_delivered
		   FROM `+s.table("conversations")+` c
		   JOIN `+s.table("conversation_members")+` m ON m.conversation_id = c.id
		  WHERE `+where+`
		  ORDER BY c.last_message_at DESC, c.id ASC, m.user_id ASC`,
		arg,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	index := make(map[string]int)
	for rows.Next() {
		var (
			c         Conversation
			userID    string
			unread    int
			delivered *time.Time
		)
		if err := rows.Scan(
			&c.ID, &c.Participants[0], &c.Participants[1], &c.CreatedAt, &c.LastMessageAt, &c.LastMessageID,
			&userID, &unread, &delivered,
		); err != nil {
			return nil, err
		}

		i, ok := index[c.ID]
		if !ok {
			c.CreatedAt = c.CreatedAt.UTC()
			c.LastMessageAt = c.LastMessageAt.UTC()
			c.UnreadCounts = map[string]int{}
			c.LastDelivered = map[string]time.Time{}
			out = append(out, c)
			i = len(out) - 1
			index[c.ID] = i
		}
		out[i].UnreadCounts[userID] = unread
		if delivered != nil {
			out[i].LastDelivered[userID] = delivered.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateLastMessage sets the last message fields and increments the non-sender's unread count.
func (s *PostgresStore) UpdateLastMessage(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("conversations")+`
		    SET last_message_id = CASE WHEN $3 >= last_message_at THEN $2 ELSE last_message_id END,
		        last_message_at = GREATEST(last_message_at, $3)
		  WHERE id = $1`,
		conversationID, messageID, pgTime(nowOr(at)),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.table("conversation_members")+`
		    SET unread_count = unread_count + 1
		  WHERE conversation_id = $1 AND user_id <> $2`,
		conversationID, senderID,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkDelivered advances the checkpoint monotonically.
func (s *PostgresStore) MarkDelivered(ctx context.Context, conversationID, userID string, ts time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_members")+`
		    SET last_delivered = GREATEST(COALESCE(last_delivered, $3), $3)
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, pgTime(ts),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetUnread zeroes userID's unread counter.
func (s *PostgresStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_members")+`
		    SET unread_count = 0
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Append inserts a message and records the sender as a reader.
func (s *PostgresStore) Append(ctx context.Context, conversationID, senderID, content string, now time.Time) (Message, error) {
	if conversationID == "" || senderID == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now = pgTime(nowOr(now))

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var member bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM `+s.table("conversation_members")+`
		    WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, senderID,
	).Scan(&member); err != nil {
		return Message{}, err
	}
	if !member {
		if _, err := s.getTx(ctx, tx, conversationID); err != nil {
			return Message{}, err
		}
		return Message{}, ErrForbidden
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (id, conversation_id, sender_id, content, ts)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, senderID, content, now,
	); err != nil {
		return Message{}, mapPGError(fmt.Errorf("insert message: %w", err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("message_reads")+` (message_id, user_id, read_at)
		 VALUES ($1, $2, $3)`,
		id, senderID, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert read: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      now,
		ReadBy:         []string{senderID},
	}, nil
}

func (s *PostgresStore) getTx(ctx context.Context, tx pgx.Tx, conversationID string) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM `+s.table("conversations")+` WHERE id = $1`, conversationID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// UndeliveredSince returns live messages newer than cutoff ordered by (ts, id).
func (s *PostgresStore) UndeliveredSince(ctx context.Context, conversationID string, cutoff time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reads := s.table("message_reads")
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.ts, m.is_deleted,
		        ARRAY(SELECT r.user_id FROM `+reads+` r WHERE r.message_id = m.id ORDER BY r.read_at, r.user_id)
		   FROM `+s.table("messages")+` m
		  WHERE m.conversation_id = $1 AND m.ts > $2 AND NOT m.is_deleted
		  ORDER BY m.ts ASC, m.id ASC`,
		conversationID, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Timestamp, &m.IsDeleted, &m.ReadBy); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead records userID as a reader. Repeated calls are no-ops.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("message_reads")+` (message_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID,
	)
	return mapPGError(err)
}

// SoftDelete flags a message deleted when senderID sent it.
func (s *PostgresStore) SoftDelete(ctx context.Context, messageID, senderID string) (Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.table("messages")+`
		    SET is_deleted = true
		  WHERE id = $1 AND sender_id = $2
		RETURNING id, conversation_id, sender_id, content, ts, is_deleted`,
		messageID, senderID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Timestamp, &m.IsDeleted)
	if err == nil {
		m.Timestamp = m.Timestamp.UTC()
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table("messages")+` WHERE id = $1)`,
		messageID,
	).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists {
		return Message{}, ErrForbidden
	}
	return Message{}, ErrNotFound
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

// pgTime truncates to the microsecond precision of timestamptz so values round-trip exactly.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
