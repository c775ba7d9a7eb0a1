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

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// Create сохраняет беседу и всех участников (включая создателя) в одной транзакции.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, name, is_group, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.IsGroup, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("convRepo.Create member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	return nil
}

const convViewSelect = `
SELECT c.id, c.name, c.is_group, c.created_by, c.created_at,
       c.last_message_id, c.last_message_content, c.last_message_sender_id, c.last_message_at,
       cm.is_pinned, cm.is_archived, cm.is_muted,
       (SELECT COUNT(*) FROM messages m
         WHERE m.conversation_id = c.id AND m.sender_id <> cm.user_id
           AND m.created_at > cm.last_read_at AND NOT m.is_deleted)
FROM conversations c
JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = $1`

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	var (
		lmID, lmContent, lmSender *string
		lmAt                      *time.Time
	)
	if err := s.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.CreatedAt,
		&lmID, &lmContent, &lmSender, &lmAt,
		&c.IsPinned, &c.IsArchived, &c.IsMuted, &c.UnreadCount); err != nil {
		return err
	}
	if lmAt != nil {
		c.LastMessage = &model.LastMessage{CreatedAt: *lmAt}
		if lmID != nil {
			c.LastMessage.MessageID = *lmID
		}
		if lmContent != nil {
			c.LastMessage.Content = *lmContent
		}
		if lmSender != nil {
			c.LastMessage.SenderID = *lmSender
		}
	}
	return nil
}

// GetByID возвращает беседу глазами viewerID. Не участник — ErrNotFound.
func (r *ConversationRepository) GetByID(ctx context.Context, id, viewerID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, convViewSelect+` WHERE c.id = $2`, viewerID, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	members, err := r.members(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Members = members[c.ID]
	return c, nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		convViewSelect+` ORDER BY cm.is_pinned DESC, c.last_message_at DESC NULLS LAST, c.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}
	rows.Close()

	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}
	members, err := r.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Members = members[convs[i].ID]
		if convs[i].Members == nil {
			convs[i].Members = []model.UserPublic{}
		}
	}
	return convs, nil
}

func (r *ConversationRepository) members(ctx context.Context, convIDs []string) (map[string][]model.UserPublic, error) {
	out := make(map[string][]model.UserPublic, len(convIDs))
	if len(convIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT cm.conversation_id, u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM conversation_members cm
		 JOIN users u ON u.id = cm.user_id
		 WHERE cm.conversation_id = ANY($1)
		 ORDER BY cm.joined_at, u.username`, convIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.members query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var convID string
		var u model.UserPublic
		if err := rows.Scan(&convID, &u.ID, &u.Username, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("convRepo.members scan: %w", err)
		}
		out[convID] = append(out[convID], u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.members rows: %w", err)
	}
	return out, nil
}

// FindDirect возвращает id личной беседы между a и b.
func (r *ConversationRepository) FindDirect(ctx context.Context, a, b string) (string, error) {
	defer logger.DeferLogDuration("conv.FindDirect", time.Now())()
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT c.id FROM conversations c
		 WHERE NOT c.is_group
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = c.id AND user_id = $2)
		 ORDER BY c.created_at
		 LIMIT 1`,
		a, b,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.FindDirect: %w", err)
	}
	return id, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, convID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		convID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsMember: %w", err)
	}
	return exists, nil
}

// Memberships возвращает строки участия (флаги нужны для фильтрации push по mute).
func (r *ConversationRepository) Memberships(ctx context.Context, convID string) ([]model.ConversationMember, error) {
	defer logger.DeferLogDuration("conv.Memberships", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT conversation_id, user_id, joined_at, last_read_at, is_pinned, is_archived, is_muted
		 FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at`, convID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.Memberships query: %w", err)
	}
	defer rows.Close()
	out := make([]model.ConversationMember, 0, 8)
	for rows.Next() {
		var m model.ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.JoinedAt, &m.LastReadAt, &m.IsPinned, &m.IsArchived, &m.IsMuted); err != nil {
			return nil, fmt.Errorf("convRepo.Memberships scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.Memberships rows: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) MemberIDs(ctx context.Context, convID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at`, convID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) Rename(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("conv.Rename", time.Now())()
	tag, err := r.pool.Exec(ctx, `UPDATE conversations SET name = $1 WHERE id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("convRepo.Rename: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет беседу целиком; участники, сообщения, реакции и отметки чтения уходят каскадом.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("conv.Delete", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("convRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) SetPinned(ctx context.Context, convID, userID string, v bool) error {
	defer logger.DeferLogDuration("conv.SetPinned", time.Now())()
	return r.setFlag(ctx, "is_pinned", convID, userID, v)
}

func (r *ConversationRepository) SetArchived(ctx context.Context, convID, userID string, v bool) error {
	defer logger.DeferLogDuration("conv.SetArchived", time.Now())()
	return r.setFlag(ctx, "is_archived", convID, userID, v)
}

func (r *ConversationRepository) SetMuted(ctx context.Context, convID, userID string, v bool) error {
	defer logger.DeferLogDuration("conv.SetMuted", time.Now())()
	return r.setFlag(ctx, "is_muted", convID, userID, v)
}

// setFlag: column приходит только из констант выше.
func (r *ConversationRepository) setFlag(ctx context.Context, column, convID, userID string, v bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET `+column+` = $1 WHERE conversation_id = $2 AND user_id = $3`,
		v, convID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastMessage перезаписывает денормализованный снимок. nil очищает его.
func (r *ConversationRepository) UpdateLastMessage(ctx context.Context, convID string, lm *model.LastMessage) error {
	defer logger.DeferLogDuration("conv.UpdateLastMessage", time.Now())()
	var err error
	if lm == nil {
		_, err = r.pool.Exec(ctx,
			`UPDATE conversations
			 SET last_message_id = NULL, last_message_content = NULL, last_message_sender_id = NULL, last_message_at = NULL
			 WHERE id = $1`, convID)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE conversations
			 SET last_message_id = $1, last_message_content = $2, last_message_sender_id = $3, last_message_at = $4
			 WHERE id = $5`,
			lm.MessageID, lm.Content, lm.SenderID, lm.CreatedAt, convID)
	}
	if err != nil {
		return fmt.Errorf("convRepo.UpdateLastMessage: %w", err)
	}
	return nil
}

// MarkRead сдвигает last_read_at вперёд (никогда назад).
func (r *ConversationRepository) MarkRead(ctx context.Context, convID, userID string, upTo time.Time) error {
	defer logger.DeferLogDuration("conv.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversation_members SET last_read_at = GREATEST(last_read_at, $1)
		 WHERE conversation_id = $2 AND user_id = $3`,
		upTo, convID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
