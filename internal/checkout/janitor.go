package checkout

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunJanitor purges expired ledger entries every interval until ctx ends.
func RunJanitor(ctx context.Context, purger LedgerPurger, interval time.Duration, logger zerolog.Logger) error {
	if purger == nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, interval)
			n, err := purger.Purge(purgeCtx, now)
			cancel()
			switch {
			case err != nil:
				logger.Warn().Err(err).Msg("ledger purge failed")
			case n > 0:
				logger.Debug().Int("purged", n).Msg("ledger purge")
			}
		}
	}
}
