package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/zapdesk/bot-gateway-go/internal/errors"
	"github.com/zapdesk/bot-gateway-go/internal/repository"
	"github.com/zapdesk/bot-gateway-go/internal/token"
)

// ExportResult is returned to the worker that requested a session token.
type ExportResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExportService hands a bot's session to the external worker process:
// it wraps the stored blob into a signed, encrypted, time-boxed token,
// and redeems such tokens back into plaintext session material.
type ExportService struct {
	botRepo repository.BotRepository
	issuer  *token.Issuer
	ttl     time.Duration
}

func NewExportService(botRepo repository.BotRepository, issuer *token.Issuer, ttl time.Duration) *ExportService {
	return &ExportService{
		botRepo: botRepo,
		issuer:  issuer,
		ttl:     ttl,
	}
}

// IssueToken mints a fresh export token for a bot. Tokens are issued on
// demand; each call produces a new one.
func (s *ExportService) IssueToken(ctx context.Context, botID string) (*ExportResult, error) {
	bot, err := s.botRepo.Find(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("find bot: %w", err)
	}
	if bot == nil {
		return nil, apperrors.NotFound("Bot")
	}
	if !bot.HasSession() {
		return nil, apperrors.SessionNotAvailable()
	}

	signed, err := s.issuer.Issue(botID, bot.SessionBlob, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	log.Info().Str("botId", botID).Dur("ttl", s.ttl).Msg("session token issued")

	return &ExportResult{
		Token:     signed,
		ExpiresAt: time.Now().Add(s.ttl),
	}, nil
}

// Fetch returns the stored session blob for a worker-key authenticated
// caller.
func (s *ExportService) Fetch(ctx context.Context, botID string) ([]byte, error) {
	blob, err := s.botRepo.LoadSession(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(blob) == 0 {
		return nil, apperrors.SessionNotAvailable()
	}
	return blob, nil
}

// Redeem validates a token presented for a bot and returns the
// decrypted session blob. The caller only learns pass or fail.
func (s *ExportService) Redeem(botID, tokenString string) ([]byte, error) {
	exported := s.issuer.VerifyFor(botID, tokenString)
	if exported == nil {
		return nil, apperrors.Unauthorized("Invalid session token")
	}
	return exported.Session, nil
}
