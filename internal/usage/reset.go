package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
)

// DayRoller is notified when the daily reset fires.
type DayRoller interface {
	RollDay(ctx context.Context, now time.Time) error
}

// ResetScheduler manages daily usage resets
type ResetScheduler struct {
	ledger    *Ledger
	roller    DayRoller
	resetTime time.Time // Time of day to reset (only hour and minute are used)
	loc       *time.Location
	clock     cache.Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewResetScheduler creates a new reset scheduler. roller may be nil.
func NewResetScheduler(ledger *Ledger, roller DayRoller, resetTime string, loc *time.Location, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	rs := &ResetScheduler{
		ledger:    ledger,
		roller:    roller,
		resetTime: parsedTime,
		loc:       loc,
		clock:     ledger.clock,
		logger:    logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:  make(chan struct{}),
	}

	return rs, nil
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Str("timezone", rs.loc.String()).
		Msg("Daily usage reset scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily usage reset scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	for {
		now := rs.clock.Now()
		nextReset := rs.calculateNextReset(now)
		waitDuration := nextReset.Sub(now)

		rs.logger.Info().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			rs.performReset(context.Background())
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// calculateNextReset returns the first reset time strictly after now
func (rs *ResetScheduler) calculateNextReset(now time.Time) time.Time {
	now = now.In(rs.loc)

	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		rs.loc,
	)

	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}

	return todayReset
}

// performReset prunes and persists the ledger, then rolls the day over
func (rs *ResetScheduler) performReset(ctx context.Context) {
	rs.logger.Info().Msg("Performing daily usage reset")

	removed := rs.ledger.Prune()
	if err := rs.ledger.Save(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to save usage ledger after reset")
	}

	if rs.roller != nil {
		if err := rs.roller.RollDay(ctx, rs.clock.Now()); err != nil {
			rs.logger.Error().Err(err).Msg("Failed to roll daily statistics")
		}
	}

	rs.logger.Info().
		Int("records_removed", removed).
		Int("records_remaining", rs.ledger.Len()).
		Msg("Daily usage reset complete")
}
