package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunRecovery fails pending turns older than olderThan once immediately and
// then every interval, until ctx is done. It covers turns whose commit was
// lost after all retries as well as turns left by a crashed process.
func RunRecovery(ctx context.Context, uc UseCase, interval, olderThan time.Duration) {
	if interval <= 0 || olderThan <= 0 {
		return
	}
	log := zerolog.Ctx(ctx)
	sweep := func() {
		if _, err := uc.RecoverPending(ctx, olderThan); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("recover pending turns")
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
