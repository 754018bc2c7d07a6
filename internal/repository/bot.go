package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zapdesk/bot-gateway-go/internal/model"
)

type BotRepository interface {
	Find(ctx context.Context, id string) (*model.Bot, error)
	LoadSession(ctx context.Context, id string) ([]byte, error)
	SaveSession(ctx context.Context, id string, blob []byte) error
	ClearSession(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status model.BotStatus) error
	RecordError(ctx context.Context, id string, connErr model.ConnError) error
	MarkStalePairing(ctx context.Context, olderThan time.Duration) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) BotRepository
}

// botDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type botDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type botRepo struct {
	db botDB
}

func NewBotRepository(db *sqlx.DB) BotRepository {
	return &botRepo{db: db}
}

func (r *botRepo) WithTx(tx *sqlx.Tx) BotRepository {
	return &botRepo{db: tx}
}

func (r *botRepo) Find(ctx context.Context, id string) (*model.Bot, error) {
	var bot model.Bot
	err := r.db.GetContext(ctx, &bot, `
		SELECT * FROM bots WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

func (r *botRepo) LoadSession(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := r.db.GetContext(ctx, &blob, `
		SELECT session_blob FROM bots WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (r *botRepo) SaveSession(ctx context.Context, id string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bots SET
			session_blob = $2,
			status = 'active',
			last_error_message = NULL,
			last_error_code = NULL,
			last_error_at = NULL,
			updated_at = $3
		WHERE id = $1
	`, id, blob, time.Now())
	return err
}

func (r *botRepo) ClearSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bots SET
			session_blob = NULL,
			status = 'uninitialized',
			last_error_message = NULL,
			last_error_code = NULL,
			last_error_at = NULL,
			updated_at = $2
		WHERE id = $1
	`, id, time.Now())
	return err
}

func (r *botRepo) UpdateStatus(ctx context.Context, id string, status model.BotStatus) error {
	if status == model.BotStatusError {
		_, err := r.db.ExecContext(ctx, `
			UPDATE bots SET status = 'error', updated_at = $2 WHERE id = $1
		`, id, time.Now())
		return err
	}
	// Leaving the error state clears the recorded error.
	_, err := r.db.ExecContext(ctx, `
		UPDATE bots SET
			status = $2,
			last_error_message = NULL,
			last_error_code = NULL,
			last_error_at = NULL,
			updated_at = $3
		WHERE id = $1
	`, id, status, time.Now())
	return err
}

func (r *botRepo) RecordError(ctx context.Context, id string, connErr model.ConnError) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bots SET
			status = 'error',
			last_error_message = $2,
			last_error_code = $3,
			last_error_at = $4,
			updated_at = $5
		WHERE id = $1
	`, id, connErr.Message, string(connErr.Code), connErr.Timestamp, time.Now())
	return err
}

func (r *botRepo) MarkStalePairing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx, `
		UPDATE bots SET
			status = 'error',
			last_error_message = 'Pairing did not complete in time',
			last_error_code = 'PAIRING_TIMEOUT',
			last_error_at = NOW(),
			updated_at = NOW()
		WHERE status = 'pairing' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
