package service

import (
	"context"
	"fmt"
	"time"

	"github.com/zapdesk/bot-gateway-go/internal/connection"
	apperrors "github.com/zapdesk/bot-gateway-go/internal/errors"
	"github.com/zapdesk/bot-gateway-go/internal/model"
	"github.com/zapdesk/bot-gateway-go/internal/repository"
)

// StatusOverview is the single payload pollers need: live connection
// state, the pairing QR if one is outstanding, and whether a session
// blob exists in the store.
type StatusOverview struct {
	Connected     bool             `json:"connected"`
	Status        model.BotStatus  `json:"status"`
	HasQR         bool             `json:"hasQr"`
	QRCode        string           `json:"qrCode,omitempty"`
	QRGeneratedAt *time.Time       `json:"qrGeneratedAt,omitempty"`
	LastActivity  *time.Time       `json:"lastActivity,omitempty"`
	HasSession    bool             `json:"hasSession"`
	Error         *model.ConnError `json:"error,omitempty"`
}

// StatusService is the read-side façade over the connection manager and
// the session store. It never mutates connection state.
type StatusService struct {
	manager *connection.Manager
	botRepo repository.BotRepository
}

func NewStatusService(manager *connection.Manager, botRepo repository.BotRepository) *StatusService {
	return &StatusService{
		manager: manager,
		botRepo: botRepo,
	}
}

func (s *StatusService) Overview(ctx context.Context, botID string) (*StatusOverview, error) {
	bot, err := s.botRepo.Find(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("find bot: %w", err)
	}
	if bot == nil {
		return nil, apperrors.NotFound("Bot")
	}

	snap := s.manager.Status(botID)

	overview := &StatusOverview{
		Connected:  snap.Connected,
		Status:     snap.Status,
		HasQR:      snap.QR != "",
		HasSession: bot.HasSession(),
		Error:      snap.LastError,
	}

	// QR is only useful while disconnected.
	if !snap.Connected && snap.QR != "" {
		overview.QRCode = snap.QR
		generatedAt := snap.QRGeneratedAt
		overview.QRGeneratedAt = &generatedAt
	}
	if !snap.LastActivity.IsZero() {
		lastActivity := snap.LastActivity
		overview.LastActivity = &lastActivity
	}

	// This process has not touched the bot yet; fall back to what the
	// store remembers so restarts do not report a paired bot as blank.
	if snap.Status == model.BotStatusUninitialized {
		overview.Status = bot.Status
		if overview.Error == nil {
			overview.Error = bot.LastError()
		}
	}

	return overview, nil
}
