package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Toggle снимает реакцию, если она есть, иначе ставит. Возвращает true, если реакция теперь стоит.
func (r *ReactionRepository) Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("reaction.Toggle", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle remove: %w", err)
	}
	added := tag.RowsAffected() == 0
	if added {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			messageID, userID, emoji, at,
		); err != nil {
			return false, fmt.Errorf("reactionRepo.Toggle add: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("reactionRepo.Toggle commit: %w", err)
	}
	return added, nil
}

func (r *ReactionRepository) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error) {
	defer logger.DeferLogDuration("reaction.ListByMessages", time.Now())()
	return reactionsByMessages(ctx, r.pool, messageIDs)
}

func reactionsByMessages(ctx context.Context, q querier, ids []string) (map[string][]model.Reaction, error) {
	out := make(map[string][]model.Reaction)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx,
		`SELECT mr.message_id, mr.emoji, mr.user_id, u.username, mr.created_at
		 FROM message_reactions mr
		 JOIN users u ON u.id = mr.user_id
		 WHERE mr.message_id = ANY($1)
		 ORDER BY mr.created_at, mr.user_id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessages query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var rc model.Reaction
		if err := rows.Scan(&msgID, &rc.Emoji, &rc.UserID, &rc.UserName, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("reactionRepo.ListByMessages scan: %w", err)
		}
		out[msgID] = append(out[msgID], rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactionRepo.ListByMessages rows: %w", err)
	}
	return out, nil
}
