// Package sweeper bounds storage growth by purging stale access tokens.
package sweeper

import (
	"context"
	"time"

	"github.com/oncelink/oncelink/internal/database"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A Sweeper periodically removes token records whose expiry is older than the
// retention window. Redeemed or not, such records are past any possible use;
// a missed sweep only wastes space.
type Sweeper struct {
	db        database.Client
	retention time.Duration
	interval  time.Duration
	log       *logrus.Logger
}

// New returns a new Sweeper.
func New(db database.Client, retention, interval time.Duration, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		db:        db,
		retention: retention,
		interval:  interval,
		log:       log,
	}
}

// RunOnce performs a single sweep and returns the number of purged records.
func (s *Sweeper) RunOnce() (int, error) {
	count, err := s.db.RevokeStaleTokens(time.Now().UTC().Add(-s.retention))
	return count, errors.Wrap(err, "could not sweep stale tokens")
}

// Run sweeps at the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.RunOnce()
			if err != nil {
				s.log.WithError(err).Error("sweep failed")
				continue
			}
			if count > 0 {
				s.log.WithField("purged", count).Info("sweep completed")
			}
		}
	}
}
