package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapdesk/bot-gateway-go/internal/repository"
)

// CleanupJob periodically sweeps bots whose stored status is stuck in
// pairing past the watchdog window. The in-process watchdog handles the
// live case; this covers rows left behind by a process restart
// mid-pairing.
type CleanupJob struct {
	botRepo      repository.BotRepository
	stalePairing time.Duration
	interval     time.Duration
	done         chan struct{}
}

func NewCleanupJob(botRepo repository.BotRepository, stalePairing, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		botRepo:      botRepo,
		stalePairing: stalePairing,
		interval:     interval,
		done:         make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.botRepo.MarkStalePairing(ctx, j.stalePairing)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep stale pairing bots")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("marked stale pairing bots as errored")
	}
}
