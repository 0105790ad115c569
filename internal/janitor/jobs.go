package janitor

import (
	"context"
	"time"
)

// Config sets the thresholds of the standard jobs.
type Config struct {
	Interval        time.Duration `default:"30s" usage:"How often each clean-up job runs"`
	ReservationTTL  time.Duration `default:"15m" usage:"Age after which a held reservation is released"`
	StaleCheckout   time.Duration `default:"5m"  usage:"Age after which an unfinished checkout is compensated"`
	CartAbandonment time.Duration `default:"72h" usage:"Idle time after which an active cart is abandoned"`
	BatchSize       int           `default:"100" usage:"Items handled per job run"`
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 15 * time.Minute
	}
	if c.StaleCheckout <= 0 {
		c.StaleCheckout = 5 * time.Minute
	}
	if c.CartAbandonment <= 0 {
		c.CartAbandonment = 72 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Checkouts recovers interrupted checkouts.
type Checkouts interface {
	RecoverStale(ctx context.Context, before time.Time, limit int) (int, error)
	ReleaseOrphans(ctx context.Context, before time.Time, limit int) (int, error)
}

// Holds releases expired wallet holds.
type Holds interface {
	ReleaseExpiredHolds(ctx context.Context, limit int) (int, error)
}

// Carts marks idle carts abandoned.
type Carts interface {
	MarkAbandoned(ctx context.Context, idleSince time.Time) (int, error)
}

// Sweeper drops expired entries of an in-process store.
type Sweeper interface {
	Sweep() int
}

// Sources are the collaborators of the standard jobs. Nil fields skip
// their job.
type Sources struct {
	Checkouts Checkouts
	Holds     Holds
	Carts     Carts
	Keys      Sweeper
}

// StandardJobs builds the jobs the service runs.
func StandardJobs(cfg Config, src Sources, now func() time.Time) []Job {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}

	var jobs []Job
	if src.Checkouts != nil {
		jobs = append(jobs,
			Job{
				Name:     "recover_stale_checkouts",
				Interval: cfg.Interval,
				Run: func(ctx context.Context) (int, error) {
					return src.Checkouts.RecoverStale(ctx, now().Add(-cfg.StaleCheckout), cfg.BatchSize)
				},
			},
			Job{
				Name:     "release_orphaned_reservations",
				Interval: cfg.Interval,
				Run: func(ctx context.Context) (int, error) {
					return src.Checkouts.ReleaseOrphans(ctx, now().Add(-cfg.ReservationTTL), cfg.BatchSize)
				},
			},
		)
	}
	if src.Holds != nil {
		jobs = append(jobs, Job{
			Name:     "release_expired_holds",
			Interval: cfg.Interval,
			Run: func(ctx context.Context) (int, error) {
				return src.Holds.ReleaseExpiredHolds(ctx, cfg.BatchSize)
			},
		})
	}
	if src.Carts != nil {
		jobs = append(jobs, Job{
			Name:     "abandon_idle_carts",
			Interval: cfg.Interval,
			Run: func(ctx context.Context) (int, error) {
				return src.Carts.MarkAbandoned(ctx, now().Add(-cfg.CartAbandonment))
			},
		})
	}
	if src.Keys != nil {
		jobs = append(jobs, Job{
			Name:     "sweep_idempotency_keys",
			Interval: cfg.Interval,
			Run: func(context.Context) (int, error) {
				return src.Keys.Sweep(), nil
			},
		})
	}
	return jobs
}
