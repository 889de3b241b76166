// Package usage keeps the append-only ledger of app usage intervals
// reported by device agents and prunes it on a daily schedule.
package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/metrics"
	"github.com/goodtune/restatus/internal/storage"
)

const (
	DefaultRetentionDays = 7
	DefaultMaxRecords    = 1000
)

// Options configures a Ledger.
type Options struct {
	RetentionDays int
	MaxRecords    int
	Location      *time.Location
	Clock         cache.Clock
}

// Ledger holds usage records in memory and persists the whole list to the
// usage document on every save.
type Ledger struct {
	store         storage.Store
	retentionDays int
	maxRecords    int
	loc           *time.Location
	clock         cache.Clock
	logger        zerolog.Logger

	mu      sync.Mutex
	records []Record
}

// NewLedger creates an empty ledger.
func NewLedger(store storage.Store, opts Options, logger zerolog.Logger) *Ledger {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = cache.RealClock{}
	}

	return &Ledger{
		store:         store,
		retentionDays: opts.RetentionDays,
		maxRecords:    opts.MaxRecords,
		loc:           opts.Location,
		clock:         opts.Clock,
		logger:        logger.With().Str("component", "usage-ledger").Logger(),
	}
}

// Load replaces the in-memory records with the persisted ones. A missing
// document leaves the ledger empty.
func (l *Ledger) Load(ctx context.Context) error {
	var doc document
	if err := l.store.Load(ctx, storage.DocUsage, &doc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load usage ledger: %w", err)
	}

	l.mu.Lock()
	l.records = doc.Records
	n := len(l.records)
	l.mu.Unlock()

	metrics.UsageRecords.Set(float64(n))
	l.logger.Debug().Int("records", n).Msg("Usage ledger loaded")
	return nil
}

// Append adds records in arrival order. Missing ids and timestamps are
// filled in and negative durations are clamped to zero.
func (l *Ledger) Append(records ...Record) {
	now := l.clock.Now()

	l.mu.Lock()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		if r.DurationMs < 0 {
			r.DurationMs = 0
		}
		l.records = append(l.records, r)
	}
	n := len(l.records)
	l.mu.Unlock()

	metrics.UsageRecords.Set(float64(n))
}

// Prune drops records older than the retention window (counted in whole
// local days) and then keeps only the newest MaxRecords. It returns the
// number of records removed.
func (l *Ledger) Prune() int {
	cutoff := StartOfDay(l.clock.Now(), l.loc).AddDate(0, 0, -l.retentionDays)

	l.mu.Lock()
	before := len(l.records)

	kept := l.records[:0]
	for _, r := range l.records {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}

	if len(kept) > l.maxRecords {
		slices.SortStableFunc(kept, func(a, b Record) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		kept = slices.Clone(kept[len(kept)-l.maxRecords:])
	}

	l.records = kept
	removed := before - len(kept)
	n := len(kept)
	l.mu.Unlock()

	metrics.UsageRecords.Set(float64(n))
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", n).Msg("Pruned usage ledger")
	}
	return removed
}

// Save writes the whole ledger to the store. The lock is not held across
// the write.
func (l *Ledger) Save(ctx context.Context) error {
	l.mu.Lock()
	doc := document{
		Records:    slices.Clone(l.records),
		LastUpdate: l.clock.Now(),
	}
	l.mu.Unlock()

	if doc.Records == nil {
		doc.Records = []Record{}
	}
	if err := l.store.Save(ctx, storage.DocUsage, doc); err != nil {
		return fmt.Errorf("failed to save usage ledger: %w", err)
	}
	return nil
}

// PruneAndSave prunes and persists in one step.
func (l *Ledger) PruneAndSave(ctx context.Context) error {
	l.Prune()
	return l.Save(ctx)
}

// Records returns a copy of the current records.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.records)
}

// Len returns the number of records held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Today aggregates today's records for one device. A non-empty deviceID
// takes precedence over deviceType.
func (l *Ledger) Today(deviceType, deviceID string) TodaySummary {
	start := StartOfDay(l.clock.Now(), l.loc)

	type agg struct {
		name  string
		total int64
		count int
	}
	byApp := map[string]*agg{}
	matched := 0

	l.mu.Lock()
	for _, r := range l.records {
		if deviceID != "" {
			if r.DeviceID != deviceID {
				continue
			}
		} else if r.DeviceType != deviceType {
			continue
		}
		if r.Timestamp.Before(start) {
			continue
		}
		matched++
		a, ok := byApp[r.AppName]
		if !ok {
			a = &agg{name: r.AppName}
			byApp[r.AppName] = a
		}
		a.total += r.DurationMs
		a.count++
	}
	l.mu.Unlock()

	apps := make([]AppUsage, 0, len(byApp))
	for _, a := range byApp {
		apps = append(apps, AppUsage{
			Name:       a.name,
			Time:       FormatDuration(a.total),
			DurationMs: a.total,
			Count:      a.count,
			Icon:       "💻",
			Category:   "Unknown",
		})
	}
	slices.SortFunc(apps, func(a, b AppUsage) int {
		if a.DurationMs != b.DurationMs {
			if a.DurationMs > b.DurationMs {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	if len(apps) > 10 {
		apps = apps[:10]
	}

	var total int64
	for _, a := range apps {
		total += a.DurationMs
	}
	for i := range apps {
		if total > 0 {
			apps[i].Percent = int(math.Round(float64(apps[i].DurationMs) / float64(total) * 100))
		}
	}

	return TodaySummary{
		Apps:          apps,
		TotalDuration: FormatDuration(total),
		RecordCount:   matched,
	}
}

// FormatDuration renders milliseconds as "Xh Ym", "Ym" or "Xs".
func FormatDuration(ms int64) string {
	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
