package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

// querier — общий интерфейс pgxpool.Pool и pgx.Tx для вспомогательных выборок.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const msgCols = `m.id, m.conversation_id, m.sender_id, m.sender_name, m.sender_avatar, m.content, m.kind,
	m.reply_to_id, m.forwarded_from, m.edited_at, m.is_deleted, m.created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Content, &m.Kind,
		&m.ReplyToMessageID, &m.ForwardedFrom, &m.EditedAt, &m.IsDeleted, &m.CreatedAt); err != nil {
		return err
	}
	m.IsEdited = m.EditedAt != nil
	return nil
}

// Create сохраняет сообщение и вложения в одной транзакции.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_avatar, content, kind, reply_to_id, forwarded_from, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.SenderAvatar, m.Content, m.Kind, m.ReplyToMessageID, m.ForwardedFrom, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	for i, a := range m.Attachments {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_attachments (id, message_id, position, filename, url, size, type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, m.ID, i, a.Filename, a.URL, a.Size, a.Type,
		); err != nil {
			return fmt.Errorf("msgRepo.Create attachment: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages m WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	msgs := []model.Message{*m}
	if err := r.loadDetails(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListByConversation возвращает сообщения в хронологическом порядке вместе с вложениями,
// реакциями и отметками о прочтении.
func (r *MessageRepository) ListByConversation(ctx context.Context, convID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages m
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at, m.id`, convID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByConversation rows: %w", err)
	}
	rows.Close()
	if err := r.loadDetails(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) loadDetails(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	atts, err := attachmentsByMessages(ctx, r.pool, ids)
	if err != nil {
		return err
	}
	reactions, err := reactionsByMessages(ctx, r.pool, ids)
	if err != nil {
		return err
	}
	reads, err := receiptsByMessages(ctx, r.pool, ids)
	if err != nil {
		return err
	}
	for i := range msgs {
		id := msgs[i].ID
		msgs[i].Attachments = nonNil(atts[id])
		msgs[i].Reactions = nonNil(reactions[id])
		msgs[i].ReadBy = nonNil(reads[id])
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func attachmentsByMessages(ctx context.Context, q querier, ids []string) (map[string][]model.Attachment, error) {
	rows, err := q.Query(ctx,
		`SELECT message_id, id, filename, url, size, type FROM message_attachments
		 WHERE message_id = ANY($1) ORDER BY message_id, position`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.attachments query: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]model.Attachment)
	for rows.Next() {
		var msgID string
		var a model.Attachment
		if err := rows.Scan(&msgID, &a.ID, &a.Filename, &a.URL, &a.Size, &a.Type); err != nil {
			return nil, fmt.Errorf("msgRepo.attachments scan: %w", err)
		}
		out[msgID] = append(out[msgID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.attachments rows: %w", err)
	}
	return out, nil
}

func receiptsByMessages(ctx context.Context, q querier, ids []string) (map[string][]model.ReadReceipt, error) {
	rows, err := q.Query(ctx,
		`SELECT mr.message_id, mr.user_id, u.username, mr.read_at
		 FROM message_reads mr
		 JOIN users u ON u.id = mr.user_id
		 WHERE mr.message_id = ANY($1)
		 ORDER BY mr.read_at, mr.user_id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.receipts query: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]model.ReadReceipt)
	for rows.Next() {
		var msgID string
		var rr model.ReadReceipt
		if err := rows.Scan(&msgID, &rr.UserID, &rr.UserName, &rr.ReadAt); err != nil {
			return nil, fmt.Errorf("msgRepo.receipts scan: %w", err)
		}
		out[msgID] = append(out[msgID], rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.receipts rows: %w", err)
	}
	return out, nil
}

// UpdateContent edits a message's content and sets edited_at. Deleted messages are not touched.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3 AND NOT is_deleted`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a message as deleted, clears content and drops attachments.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete begin: %w", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM message_attachments WHERE message_id = $1`, id); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete attachments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.SoftDelete commit: %w", err)
	}
	return nil
}

// Latest возвращает последнее сообщение беседы или nil, если сообщений нет.
func (r *MessageRepository) Latest(ctx context.Context, convID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Latest", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM messages m
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`, convID,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.Latest: %w", err)
	}
	return m, nil
}

// AddReceipts отмечает прочитанными чужие сообщения беседы до upTo включительно.
// Уже существующие отметки не меняются: readBy только растёт.
func (r *MessageRepository) AddReceipts(ctx context.Context, convID, userID string, upTo, at time.Time) error {
	defer logger.DeferLogDuration("msg.AddReceipts", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 SELECT id, $2, $4 FROM messages
		 WHERE conversation_id = $1 AND sender_id <> $2 AND created_at <= $3 AND NOT is_deleted
		 ON CONFLICT DO NOTHING`,
		convID, userID, upTo, at,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.AddReceipts: %w", err)
	}
	return nil
}
