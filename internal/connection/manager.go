package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/audit"
	apperrors "github.com/zapdesk/bot-gateway-go/internal/errors"
	"github.com/zapdesk/bot-gateway-go/internal/model"
	"github.com/zapdesk/bot-gateway-go/internal/repository"
	"github.com/zapdesk/bot-gateway-go/internal/sse"
)

const persistTimeout = 10 * time.Second

// EventPublisher receives connection lifecycle events. *sse.Broker
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, botID string, event sse.Event) error
}

type Options struct {
	QRDebounce     time.Duration
	PairingTimeout time.Duration
	MaxReconnects  int
	ReconnectBase  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QRDebounce <= 0 {
		o.QRDebounce = 5 * time.Second
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = 2 * time.Minute
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 3
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 2 * time.Second
	}
	return o
}

// Snapshot is the last-published connection state for one bot. Reads
// are decoupled from the per-bot mutation lock so pollers never contend
// with an in-flight attempt.
type Snapshot struct {
	Status        model.BotStatus
	Connected     bool
	QR            string
	QRGeneratedAt time.Time
	LastActivity  time.Time
	LastError     *model.ConnError
}

type handle struct {
	botID string

	// mu serializes all operations that create, drive, or tear down the
	// client. Read paths use snapMu only.
	mu             sync.Mutex
	client         Client
	attempts       int
	generation     int
	pairingTimer   *time.Timer
	reconnectTimer *time.Timer

	snapMu sync.RWMutex
	snap   Snapshot
}

func newHandle(botID string) *handle {
	return &handle{
		botID: botID,
		snap:  Snapshot{Status: model.BotStatusUninitialized},
	}
}

func (h *handle) snapshot() Snapshot {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	return h.snap
}

func (h *handle) publish(mutate func(*Snapshot)) {
	h.snapMu.Lock()
	mutate(&h.snap)
	h.snapMu.Unlock()
}

func (h *handle) stopTimersLocked() {
	if h.pairingTimer != nil {
		h.pairingTimer.Stop()
		h.pairingTimer = nil
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
}

// Manager owns the connection lifecycle for every bot this process
// manages: one exclusively-owned protocol client per bot, looked up in
// an explicit registry rather than ambient globals.
type Manager struct {
	store   repository.BotRepository
	factory ClientFactory
	events  EventPublisher
	opts    Options

	mu      sync.RWMutex
	handles map[string]*handle
}

func NewManager(store repository.BotRepository, factory ClientFactory, events EventPublisher, opts Options) *Manager {
	return &Manager{
		store:   store,
		factory: factory,
		events:  events,
		opts:    opts.withDefaults(),
		handles: make(map[string]*handle),
	}
}

func (m *Manager) handleFor(botID string) *handle {
	m.mu.RLock()
	h := m.handles[botID]
	m.mu.RUnlock()
	if h != nil {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h = m.handles[botID]; h == nil {
		h = newHandle(botID)
		m.handles[botID] = h
	}
	return h
}

func (m *Manager) peek(botID string) *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[botID]
}

// Initialize launches a connection attempt for a bot. It is idempotent:
// while an attempt is already pairing or the bot is active it is a
// no-op returning true, so concurrent callers collapse into a single
// underlying attempt. It returns false when the protocol client cannot
// be started; that is retryable, and the failure is also reflected in
// the published status.
//
// The call returns as soon as the attempt is launched; callers poll
// Status for the pairing outcome.
func (m *Manager) Initialize(ctx context.Context, botID string) bool {
	h := m.handleFor(botID)
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := h.snapshot()
	switch snap.Status {
	case model.BotStatusActive:
		return true
	case model.BotStatusPairing:
		return true
	}

	// Retry storms right after a pairing failure reuse the previous QR
	// instead of hammering the client for a new one.
	if h.client != nil && snap.QR != "" && time.Since(snap.QRGeneratedAt) < m.opts.QRDebounce {
		h.stopTimersLocked()
		h.publish(func(s *Snapshot) {
			s.Status = model.BotStatusPairing
			s.Connected = false
			s.LastError = nil
		})
		m.armPairingWatchdog(h)
		m.persistStatus(h.botID, model.BotStatusPairing)
		return true
	}

	m.teardownLocked(h, false)

	blob, err := m.store.LoadSession(ctx, botID)
	if err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("load session failed")
		m.recordErrorLocked(h, apperrors.Database(err))
		return false
	}

	gen := h.generation
	client, err := m.factory.New(botID, Events{
		OnPaired:       func(sessionBlob []byte) { m.onPaired(h, gen, sessionBlob) },
		OnDisconnected: func(reason error) { m.onDisconnected(h, gen, reason) },
	})
	if err != nil {
		log.Warn().Err(err).Str("botId", botID).Msg("client construction failed")
		m.recordErrorLocked(h, apperrors.ClientUnavailable(err))
		return false
	}
	h.client = client

	if len(blob) > 0 {
		if err := client.Restore(ctx, blob); err == nil {
			h.attempts = 0
			m.setActiveLocked(h)
			log.Info().Str("botId", botID).Msg("silent reconnect succeeded")
			return true
		}
		log.Warn().Str("botId", botID).Msg("silent reconnect failed, falling back to pairing")
	}

	return m.startPairingLocked(ctx, h)
}

func (m *Manager) startPairingLocked(ctx context.Context, h *handle) bool {
	qr, err := h.client.StartPairing(ctx)
	if err != nil {
		log.Warn().Err(err).Str("botId", h.botID).Msg("pairing request failed")
		m.recordErrorLocked(h, apperrors.ClientUnavailable(err))
		return false
	}

	now := time.Now()
	h.publish(func(s *Snapshot) {
		s.Status = model.BotStatusPairing
		s.Connected = false
		s.QR = qr
		s.QRGeneratedAt = now
		s.LastError = nil
	})
	m.armPairingWatchdog(h)
	m.persistStatus(h.botID, model.BotStatusPairing)
	m.publishEvent(h.botID, sse.EventQR, map[string]any{
		"qr":          qr,
		"generatedAt": now.Format(time.RFC3339),
	})
	audit.Log(ctx, audit.Event{Type: audit.EventPairingStarted, BotID: h.botID})

	log.Info().Str("botId", h.botID).Msg("pairing started")
	return true
}

func (m *Manager) armPairingWatchdog(h *handle) {
	gen := h.generation
	if h.pairingTimer != nil {
		h.pairingTimer.Stop()
	}
	h.pairingTimer = time.AfterFunc(m.opts.PairingTimeout, func() {
		m.pairingTimedOut(h, gen)
	})
}

func (m *Manager) pairingTimedOut(h *handle, gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation {
		return
	}
	if h.snapshot().Status != model.BotStatusPairing {
		return
	}

	log.Warn().Str("botId", h.botID).Msg("pairing timed out")
	// QR stays in the snapshot for caller visibility until the next
	// Initialize.
	m.recordErrorLocked(h, apperrors.PairingTimeout())
}

func (m *Manager) onPaired(h *handle, gen int, sessionBlob []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation {
		return
	}

	h.stopTimersLocked()
	h.attempts = 0

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.SaveSession(ctx, h.botID, sessionBlob); err != nil {
		log.Error().Err(err).Str("botId", h.botID).Msg("persist session failed")
	}

	m.setActiveLocked(h)
	audit.Log(ctx, audit.Event{Type: audit.EventPairingCompleted, BotID: h.botID})
	log.Info().Str("botId", h.botID).Msg("pairing completed")
}

func (m *Manager) onDisconnected(h *handle, gen int, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation {
		return
	}

	snap := h.snapshot()
	if snap.Status == model.BotStatusPairing {
		log.Warn().Err(reason).Str("botId", h.botID).Msg("pairing rejected")
		m.recordErrorLocked(h, apperrors.PairingRejected(reason.Error()))
		return
	}

	log.Warn().Err(reason).Str("botId", h.botID).Msg("connection lost")
	m.recordErrorLocked(h, apperrors.Disconnected(reason))
	m.scheduleReconnectLocked(h)
}

func (m *Manager) scheduleReconnectLocked(h *handle) {
	if h.attempts >= m.opts.MaxReconnects {
		log.Error().Str("botId", h.botID).Int("attempts", h.attempts).Msg("reconnect attempts exhausted")
		m.recordErrorLocked(h, apperrors.ReconnectExhausted(h.attempts))
		return
	}

	h.attempts++
	delay := m.opts.ReconnectBase << (h.attempts - 1)
	gen := h.generation
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
	}
	h.reconnectTimer = time.AfterFunc(delay, func() {
		m.reconnect(h, gen)
	})

	log.Info().
		Str("botId", h.botID).
		Int("attempt", h.attempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (m *Manager) reconnect(h *handle, gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if gen != h.generation || h.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	blob, err := m.store.LoadSession(ctx, h.botID)
	if err != nil || len(blob) == 0 {
		log.Error().Err(err).Str("botId", h.botID).Msg("reconnect aborted, no stored session")
		m.recordErrorLocked(h, apperrors.SessionNotAvailable())
		return
	}

	if err := h.client.Restore(ctx, blob); err != nil {
		log.Warn().Err(err).Str("botId", h.botID).Int("attempt", h.attempts).Msg("reconnect failed")
		m.scheduleReconnectLocked(h)
		return
	}

	h.attempts = 0
	m.setActiveLocked(h)
	log.Info().Str("botId", h.botID).Msg("reconnected")
}

// Status reads the last-published snapshot. It never mutates state and
// never takes the per-bot mutation lock, so it is safe to poll at high
// frequency.
func (m *Manager) Status(botID string) Snapshot {
	h := m.peek(botID)
	if h == nil {
		return Snapshot{Status: model.BotStatusUninitialized}
	}
	return h.snapshot()
}

// LastError reads the last recorded connection error, or nil.
func (m *Manager) LastError(botID string) *model.ConnError {
	return m.Status(botID).LastError
}

// Reset forcefully tears the connection down, discards the stored
// session, and leaves the bot ready for a fresh Initialize. It always
// succeeds from the caller's perspective; teardown is best effort.
func (m *Manager) Reset(ctx context.Context, botID string) {
	h := m.handleFor(botID)
	h.mu.Lock()
	defer h.mu.Unlock()

	m.teardownLocked(h, true)
	h.attempts = 0

	h.publish(func(s *Snapshot) {
		*s = Snapshot{Status: model.BotStatusUninitialized}
	})

	if err := m.store.ClearSession(ctx, botID); err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("clear session failed")
	}

	m.publishEvent(botID, sse.EventDisconnected, map[string]any{"reason": "reset"})
	log.Info().Str("botId", botID).Msg("connection reset")
}

// VerifyActive probes protocol-level liveness against the client,
// bypassing the cached snapshot. On success a drifted status is
// corrected to active and persisted.
func (m *Manager) VerifyActive(ctx context.Context, botID string) bool {
	h := m.peek(botID)
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return false
	}
	if err := h.client.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("botId", botID).Msg("liveness probe failed")
		return false
	}

	if h.snapshot().Status != model.BotStatusActive {
		// Active status requires persisted credentials. A probe that
		// races pairing completion succeeds without a stored blob; the
		// pending OnPaired moves the status once the blob lands.
		blob, err := m.store.LoadSession(ctx, botID)
		if err != nil || len(blob) == 0 {
			h.publish(func(s *Snapshot) { s.LastActivity = time.Now() })
			return true
		}
		log.Info().Str("botId", botID).Msg("status drift corrected by liveness probe")
		h.stopTimersLocked()
		h.attempts = 0
		m.setActiveLocked(h)
	} else {
		h.publish(func(s *Snapshot) { s.LastActivity = time.Now() })
	}
	return true
}

// Shutdown disconnects every live client. Stored sessions are kept so
// bots reconnect silently on the next start.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.mu.Lock()
		m.teardownLocked(h, false)
		h.mu.Unlock()
	}
	log.Info().Int("count", len(handles)).Msg("connection manager shut down")
}

// teardownLocked stops timers, invalidates pending callbacks, and
// disconnects the client. With force set, a misbehaving client cannot
// break the teardown.
func (m *Manager) teardownLocked(h *handle, force bool) {
	h.generation++
	h.stopTimersLocked()

	client := h.client
	h.client = nil
	if client == nil {
		return
	}

	if force {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("botId", h.botID).Msg("client panicked during teardown")
				}
			}()
			client.Disconnect()
		}()
		return
	}
	client.Disconnect()
}

func (m *Manager) setActiveLocked(h *handle) {
	now := time.Now()
	h.publish(func(s *Snapshot) {
		s.Status = model.BotStatusActive
		s.Connected = true
		s.QR = ""
		s.QRGeneratedAt = time.Time{}
		s.LastActivity = now
		s.LastError = nil
	})
	m.persistStatus(h.botID, model.BotStatusActive)
	m.publishEvent(h.botID, sse.EventConnected, map[string]any{
		"connectedAt": now.Format(time.RFC3339),
	})
}

func (m *Manager) recordErrorLocked(h *handle, appErr *apperrors.AppError) {
	connErr := model.FromAppError(appErr, time.Now())
	h.publish(func(s *Snapshot) {
		s.Status = model.BotStatusError
		s.Connected = false
		s.LastError = &connErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.RecordError(ctx, h.botID, connErr); err != nil {
		log.Error().Err(err).Str("botId", h.botID).Msg("persist error state failed")
	}

	m.publishEvent(h.botID, sse.EventError, connErr)
}

func (m *Manager) persistStatus(botID string, status model.BotStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.UpdateStatus(ctx, botID, status); err != nil {
		log.Error().Err(err).Str("botId", botID).Msg("persist status failed")
	}
}

func (m *Manager) publishEvent(botID, eventType string, payload any) {
	if m.events == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("marshal event payload failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.events.Publish(ctx, botID, sse.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("botId", botID).Str("event", eventType).Msg("publish event failed")
	}
}
