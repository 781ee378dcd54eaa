package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"storyteller-server/internal/models"
)

// Querier абстрагирует пул соединений или транзакцию pgx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	upsertStoryQuery = `
        INSERT INTO stories (story_id, user_id, setting, current_image_url, image_urls, conversation, pending_actions, is_anonymous, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        ON CONFLICT (story_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            setting = EXCLUDED.setting,
            current_image_url = EXCLUDED.current_image_url,
            image_urls = EXCLUDED.image_urls,
            conversation = EXCLUDED.conversation,
            pending_actions = EXCLUDED.pending_actions,
            is_anonymous = EXCLUDED.is_anonymous,
            updated_at = NOW()
    `

	getStoryByIDQuery = `
        SELECT story_id, user_id, setting, current_image_url, image_urls, conversation, pending_actions, is_anonymous, updated_at
        FROM stories
        WHERE story_id = $1
    `

	listStoriesByOwnerQuery = `
        SELECT story_id, user_id, setting, current_image_url, image_urls, conversation, pending_actions, is_anonymous, updated_at
        FROM stories
        WHERE user_id = $1
        ORDER BY updated_at DESC
    `

	deleteStoryQuery = `DELETE FROM stories WHERE story_id = $1`

	// Условие is_anonymous = TRUE делает присвоение атомарным: два
	// конкурирующих Claim не могут выиграть оба.
	claimStoryQuery = `
        UPDATE stories
        SET user_id = $2, is_anonymous = FALSE, updated_at = NOW()
        WHERE story_id = $1 AND is_anonymous = TRUE
    `

	storyExistsQuery = `SELECT EXISTS(SELECT 1 FROM stories WHERE story_id = $1)`

	// jsonb_set трогает ровно один слот массива, поэтому параллельное
	// сохранение снапшота не может затереть уже перенесённый URL.
	updateImageSlotQuery = `
        UPDATE stories
        SET image_urls = jsonb_set(image_urls, ARRAY[$2::text], to_jsonb($3::text), true),
            current_image_url = CASE
                WHEN $2::int >= jsonb_array_length(image_urls) - 1 THEN $3::text
                ELSE current_image_url
            END,
            updated_at = NOW()
        WHERE story_id = $1
    `
)

// Compile-time check.
var _ StoryRepository = (*pgStoryRepository)(nil)

// pgStoryRepository реализует StoryRepository поверх PostgreSQL.
type pgStoryRepository struct {
	db     Querier
	logger *zap.Logger
}

// NewPgStoryRepository создает новый экземпляр pgStoryRepository.
func NewPgStoryRepository(db Querier, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

// storyRow — строка таблицы stories; jsonb-колонки разбираются отдельно.
type storyRow struct {
	StoryID         string     `db:"story_id"`
	UserID          *uuid.UUID `db:"user_id"`
	Setting         string     `db:"setting"`
	CurrentImageURL string     `db:"current_image_url"`
	ImageURLs       []byte     `db:"image_urls"`
	Conversation    []byte     `db:"conversation"`
	PendingActions  []byte     `db:"pending_actions"`
	IsAnonymous     bool       `db:"is_anonymous"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r *storyRow) toSession() (*models.Session, error) {
	session := &models.Session{
		ID:              r.StoryID,
		OwnerID:         r.UserID,
		Setting:         r.Setting,
		CurrentImageURL: r.CurrentImageURL,
		IsAnonymous:     r.IsAnonymous,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal(r.ImageURLs, &session.Images); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image_urls for story %s: %w", r.StoryID, err)
	}
	if err := json.Unmarshal(r.Conversation, &session.Conversation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation for story %s: %w", r.StoryID, err)
	}
	if err := json.Unmarshal(r.PendingActions, &session.PendingActions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending_actions for story %s: %w", r.StoryID, err)
	}
	return session, nil
}

// marshalJSONBColumn сериализует срез для jsonb-колонки.
// nil-срез превращается в пустой массив, а не в SQL NULL.
func marshalJSONBColumn(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

func (r *pgStoryRepository) Save(ctx context.Context, session *models.Session) error {
	imageURLs, err := marshalJSONBColumn(session.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal image urls: %w", err)
	}
	conversation, err := marshalJSONBColumn(session.Conversation)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	pendingActions, err := marshalJSONBColumn(session.PendingActions)
	if err != nil {
		return fmt.Errorf("failed to marshal pending actions: %w", err)
	}

	_, err = r.db.Exec(ctx, upsertStoryQuery,
		session.ID,
		session.OwnerID,
		session.Setting,
		session.CurrentImageURL,
		imageURLs,
		conversation,
		pendingActions,
		session.IsAnonymous,
	)
	if err != nil {
		r.logger.Error("Failed to upsert story", zap.String("story_id", session.ID), zap.Error(err))
		return fmt.Errorf("failed to upsert story %s: %w", session.ID, err)
	}
	r.logger.Debug("Story snapshot saved", zap.String("story_id", session.ID))
	return nil
}

func (r *pgStoryRepository) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	var row storyRow
	err := pgxscan.Get(ctx, r.db, &row, getStoryByIDQuery, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: story %s", models.ErrSessionNotFound, sessionID)
		}
		r.logger.Error("Failed to query story", zap.String("story_id", sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to query story %s: %w", sessionID, err)
	}
	return row.toSession()
}

func (r *pgStoryRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Session, error) {
	var rows []*storyRow
	err := pgxscan.Select(ctx, r.db, &rows, listStoriesByOwnerQuery, ownerID)
	if err != nil {
		r.logger.Error("Failed to list stories", zap.String("user_id", ownerID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list stories for user %s: %w", ownerID, err)
	}

	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		session, err := row.toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (r *pgStoryRepository) Delete(ctx context.Context, sessionID string) error {
	tag, err := r.db.Exec(ctx, deleteStoryQuery, sessionID)
	if err != nil {
		r.logger.Error("Failed to delete story", zap.String("story_id", sessionID), zap.Error(err))
		return fmt.Errorf("failed to delete story %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: story %s", models.ErrSessionNotFound, sessionID)
	}
	r.logger.Info("Story deleted", zap.String("story_id", sessionID))
	return nil
}

func (r *pgStoryRepository) Claim(ctx context.Context, sessionID string, ownerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, claimStoryQuery, sessionID, ownerID)
	if err != nil {
		r.logger.Error("Failed to claim story",
			zap.String("story_id", sessionID),
			zap.String("user_id", ownerID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to claim story %s: %w", sessionID, err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Info("Story claimed",
			zap.String("story_id", sessionID),
			zap.String("user_id", ownerID.String()))
		return nil
	}

	// Ни одна строка не обновлена: либо истории нет, либо она уже занята.
	var exists bool
	if err := r.db.QueryRow(ctx, storyExistsQuery, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check story %s existence: %w", sessionID, err)
	}
	if !exists {
		return fmt.Errorf("%w: story %s", models.ErrSessionNotFound, sessionID)
	}
	return fmt.Errorf("%w: story %s", models.ErrSessionNotAnonymous, sessionID)
}

func (r *pgStoryRepository) UpdateImageSlot(ctx context.Context, sessionID string, slotIndex int, url string) error {
	tag, err := r.db.Exec(ctx, updateImageSlotQuery, sessionID, slotIndex, url)
	if err != nil {
		r.logger.Error("Failed to update image slot",
			zap.String("story_id", sessionID),
			zap.Int("slot_index", slotIndex),
			zap.Error(err))
		return fmt.Errorf("failed to update image slot %d of story %s: %w", slotIndex, sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: story %s", models.ErrSessionNotFound, sessionID)
	}
	r.logger.Debug("Image slot updated",
		zap.String("story_id", sessionID),
		zap.Int("slot_index", slotIndex))
	return nil
}
