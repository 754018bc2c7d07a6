package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/crypto"
)

const issuerName = "bot-gateway"

// Claims is the session export token payload. The session blob travels
// inside the token encrypted with the bot's derived key, so the token
// alone never leaks credential material.
type Claims struct {
	jwt.RegisteredClaims
	BotID            string `json:"bid"`
	EncryptedSession string `json:"enc"`
}

// ExportedSession is the result of a successful verification.
type ExportedSession struct {
	BotID   string
	Session []byte
}

// Issuer mints and verifies session export tokens for the external
// worker process.
type Issuer struct {
	secret []byte
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue creates a signed token carrying the encrypted session blob for
// one bot, valid for ttl.
func (i *Issuer) Issue(botID string, sessionBlob []byte, ttl time.Duration) (string, error) {
	key := crypto.DeriveTenantKey(i.secret, botID)
	encrypted, err := crypto.Encrypt(key, sessionBlob)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuerName,
		},
		BotID:            botID,
		EncryptedSession: encrypted,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature and expiry and decrypts the embedded session.
// It returns nil on any failure; callers must treat nil as
// unauthenticated and never learn which check failed.
func (i *Issuer) Verify(tokenString string) *ExportedSession {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuerName))
	if err != nil || !parsed.Valid {
		log.Debug().Msg("session token rejected")
		return nil
	}

	if claims.BotID == "" || claims.EncryptedSession == "" {
		return nil
	}

	key := crypto.DeriveTenantKey(i.secret, claims.BotID)
	session, err := crypto.Decrypt(key, claims.EncryptedSession)
	if err != nil {
		log.Debug().Msg("session token payload rejected")
		return nil
	}

	return &ExportedSession{
		BotID:   claims.BotID,
		Session: session,
	}
}

// VerifyFor is Verify with an additional tenant binding check: a token
// issued for one bot is rejected when presented as proof for another.
func (i *Issuer) VerifyFor(botID, tokenString string) *ExportedSession {
	exported := i.Verify(tokenString)
	if exported == nil {
		return nil
	}
	if !crypto.ConstantTimeEqual(exported.BotID, botID) {
		log.Warn().Str("botId", botID).Msg("session token presented for wrong bot")
		return nil
	}
	return exported
}
