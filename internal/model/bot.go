package model

import (
	"time"

	"github.com/zapdesk/bot-gateway-go/internal/errors"
)

// BotStatus is the persisted connection state of one bot.
type BotStatus string

const (
	BotStatusUninitialized BotStatus = "uninitialized"
	BotStatusPairing       BotStatus = "pairing"
	BotStatusActive        BotStatus = "active"
	BotStatusError         BotStatus = "error"
)

// Bot is the tenant connection record. The connection manager is the
// sole mutator of the protocol-state columns; provisioning creates the
// row and billing deletes it, neither happens here.
type Bot struct {
	ID               string     `db:"id" json:"id"`
	SessionBlob      []byte     `db:"session_blob" json:"-"`
	Status           BotStatus  `db:"status" json:"status"`
	LastErrorMessage *string    `db:"last_error_message" json:"-"`
	LastErrorCode    *string    `db:"last_error_code" json:"-"`
	LastErrorAt      *time.Time `db:"last_error_at" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// HasSession reports whether a session blob has been persisted.
func (b *Bot) HasSession() bool {
	return len(b.SessionBlob) > 0
}

// LastError reassembles the error columns into a ConnError, or nil if
// no error is recorded.
func (b *Bot) LastError() *ConnError {
	if b.LastErrorMessage == nil {
		return nil
	}
	e := &ConnError{Message: *b.LastErrorMessage}
	if b.LastErrorCode != nil {
		e.Code = errors.ErrorCode(*b.LastErrorCode)
	}
	if b.LastErrorAt != nil {
		e.Timestamp = *b.LastErrorAt
	}
	return e
}

// ConnError is the fixed error shape surfaced to callers regardless of
// what the underlying messaging client reported.
type ConnError struct {
	Message   string           `json:"message"`
	Code      errors.ErrorCode `json:"code"`
	Timestamp time.Time        `json:"timestamp"`
	Details   map[string]any   `json:"details,omitempty"`
}

// FromAppError converts a structured application error into the
// persisted/published ConnError shape.
func FromAppError(err *errors.AppError, at time.Time) ConnError {
	ce := ConnError{
		Message:   err.Message,
		Code:      err.Code,
		Timestamp: at,
	}
	if details, ok := err.Details.(map[string]any); ok {
		ce.Details = details
	}
	return ce
}
