// Package presence tracks the live status of the owner's desktop and phone
// from agent reports and renders the classified device table.
package presence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/metrics"
	"github.com/goodtune/restatus/internal/storage"
	"github.com/goodtune/restatus/internal/usage"
)

const (
	DefaultOnlineThreshold = 60 * time.Second
	DefaultSleepMaxAge     = 24 * time.Hour
	DefaultResumeGap       = 5 * time.Minute
	DefaultDuration        = 10

	dateLayout = "2006-01-02"
)

// ErrInvalidReport is returned for a body that is neither a status report
// nor a usage batch.
var ErrInvalidReport = errors.New("report is neither a status report nor a usage batch")

// Listener receives the device table after every live status change.
type Listener interface {
	DeviceStatusChanged(Snapshot)
}

// Options configures an Engine.
type Options struct {
	Location        *time.Location
	OnlineThreshold time.Duration
	SleepMaxAge     time.Duration
	ResumeGap       time.Duration
	DefaultDuration int // seconds
	Clock           cache.Clock
}

// Engine owns the device table and today's app statistics.
type Engine struct {
	store  storage.Store
	ledger *usage.Ledger
	opts   Options
	clock  cache.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	devices   map[string]*DeviceState
	stats     TodayStats
	listeners []Listener

	saveMu   sync.Mutex
	notifyMu sync.Mutex
}

// NewEngine creates an engine with an empty device table.
func NewEngine(store storage.Store, ledger *usage.Ledger, opts Options, logger zerolog.Logger) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.OnlineThreshold <= 0 {
		opts.OnlineThreshold = DefaultOnlineThreshold
	}
	if opts.SleepMaxAge <= 0 {
		opts.SleepMaxAge = DefaultSleepMaxAge
	}
	if opts.ResumeGap <= 0 {
		opts.ResumeGap = DefaultResumeGap
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.Clock == nil {
		opts.Clock = cache.RealClock{}
	}

	e := &Engine{
		store:   store,
		ledger:  ledger,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger.With().Str("component", "presence").Logger(),
		devices: make(map[string]*DeviceState),
	}
	e.stats = TodayStats{Date: e.dateOf(e.clock.Now()), Apps: map[string]float64{}}
	return e
}

// Subscribe registers a listener. Listeners are called synchronously and
// must not block.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// WithSnapshot calls fn with the current device table while no
// notification is in flight, so a listener registered from fn receives
// every later snapshot after this one.
func (e *Engine) WithSnapshot(fn func(Snapshot)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	fn(e.Snapshot())
}

// Load restores the device table and today's stats from the store.
// Missing documents are not an error.
func (e *Engine) Load(ctx context.Context) error {
	devices := map[string]*DeviceState{}
	if err := e.store.Load(ctx, storage.DocDeviceStatus, &devices); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load device status: %w", err)
	}

	var stats TodayStats
	if err := e.store.Load(ctx, storage.DocStatsToday, &stats); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load today stats: %w", err)
	}

	e.mu.Lock()
	e.devices = devices
	if stats.Apps != nil {
		e.stats = stats
	}
	e.rollStatsLocked(e.clock.Now())
	e.mu.Unlock()

	e.logger.Debug().Int("devices", len(devices)).Msg("Device state loaded")
	return nil
}

func (e *Engine) dateOf(t time.Time) string {
	return t.In(e.opts.Location).Format(dateLayout)
}

// Report dispatches a report body to the status or usage path.
func (e *Engine) Report(ctx context.Context, r Report) error {
	switch {
	case r.Type == "status":
		return e.ReportStatus(ctx, r)
	case r.UsageRecords != nil:
		return e.ReportUsage(ctx, r.UsageRecords)
	default:
		return ErrInvalidReport
	}
}

// ReportStatus applies a live status report to its slot, accrues online
// time and app time, persists, and notifies listeners.
func (e *Engine) ReportStatus(ctx context.Context, r Report) error {
	now := e.clock.Now()
	slot := NormalizeDevice(r.DeviceType)
	status := r.Status
	if status == "" {
		status = StatusOnline
	}

	e.mu.Lock()
	prev := e.devices[slot]
	state := &DeviceState{
		DeviceID:           slot,
		DeviceType:         slot,
		DeviceName:         r.DeviceName,
		DeviceOS:           r.DeviceOS,
		Status:             status,
		Battery:            r.Battery,
		IsCharging:         r.IsCharging,
		NetworkType:        r.NetworkType,
		CurrentApp:         r.CurrentApp,
		TodayStats:         r.TodayStats,
		LastUpdate:         now,
		TodayOnlineSeconds: e.accrueOnline(prev, status, now),
	}
	e.devices[slot] = state

	var record *usage.Record
	if app := r.CurrentApp; app != nil && app.Name != "" {
		seconds := e.reportDuration(r.Duration, now)
		e.rollStatsLocked(now)
		e.stats.Apps[app.Name] += seconds

		if slot != SlotPC {
			title := app.Title
			if title == "" {
				title = app.PackageName
			}
			ms := int64(seconds * 1000)
			record = &usage.Record{
				DeviceID:    slot,
				DeviceType:  slot,
				DeviceName:  r.DeviceName,
				AppName:     app.Name,
				WindowTitle: title,
				StartTime:   now.Add(-time.Duration(ms) * time.Millisecond),
				EndTime:     now,
				DurationMs:  ms,
				Timestamp:   now,
			}
		}
	}
	e.mu.Unlock()

	metrics.DeviceReportsTotal.WithLabelValues("status", slot).Inc()

	// The in-memory state has already changed, so listeners hear about it
	// and the record stays in the ledger even when a save fails.
	persistErr := e.persist(ctx)
	if persistErr != nil {
		e.logger.Error().Err(persistErr).Str("slot", slot).Msg("Failed to persist device status")
	}

	if record != nil {
		e.ledger.Append(*record)
	}
	ledgerErr := e.ledger.PruneAndSave(ctx)
	if ledgerErr != nil {
		ev := e.logger.Error().Err(ledgerErr)
		if record != nil {
			ev = ev.Str("app", record.AppName).Int64("duration_ms", record.DurationMs)
		}
		ev.Msg("Failed to save usage ledger, record kept in memory")
	}

	e.notify()

	if err := errors.Join(persistErr, ledgerErr); err != nil {
		return err
	}

	e.logger.Debug().
		Str("slot", slot).
		Str("status", status).
		Int64("today_online_seconds", state.TodayOnlineSeconds).
		Msg("Device status updated")
	return nil
}

// accrueOnline returns the slot's online seconds for today after a report
// with the given status at now. Time is credited only while both the
// previous and the new status are online-equivalent. A gap longer than the
// resume threshold credits nothing, and after a day rollover only the part
// of the gap since local midnight counts.
func (e *Engine) accrueOnline(prev *DeviceState, status string, now time.Time) int64 {
	if prev == nil {
		return 0
	}

	midnight := usage.StartOfDay(now, e.opts.Location)
	seconds := prev.TodayOnlineSeconds
	rolled := prev.LastUpdate.Before(midnight)
	if rolled {
		seconds = 0
	}

	if !onlineEquivalent(prev.Status) || !onlineEquivalent(status) || prev.LastUpdate.IsZero() {
		return seconds
	}

	delta := now.Sub(prev.LastUpdate)
	if delta < 0 || delta > e.opts.ResumeGap {
		return seconds
	}
	if rolled {
		delta = min(delta, now.Sub(midnight))
	}
	return seconds + int64(delta/time.Second)
}

// reportDuration returns the seconds a status report credits to its app.
// Missing or invalid values use the default, and nothing is credited for
// time before local midnight.
func (e *Engine) reportDuration(v any, now time.Time) float64 {
	d := float64(e.opts.DefaultDuration)
	if f, ok := v.(float64); ok && f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0) {
		d = f
	}
	return min(d, now.Sub(usage.StartOfDay(now, e.opts.Location)).Seconds())
}

// ReportUsage appends a batch of completed usage intervals to the ledger.
// Batches are historical and do not notify listeners.
func (e *Engine) ReportUsage(ctx context.Context, inputs []UsageInput) error {
	records := make([]usage.Record, 0, len(inputs))
	for _, in := range inputs {
		slot := NormalizeDevice(in.DeviceType)
		records = append(records, usage.Record{
			DeviceID:    slot,
			DeviceType:  slot,
			DeviceName:  in.DeviceName,
			AppName:     in.AppName,
			WindowTitle: in.WindowTitle,
			StartTime:   parseTime(in.StartTime),
			EndTime:     parseTime(in.EndTime),
			DurationMs:  in.Duration,
			Timestamp:   parseTime(in.Timestamp),
		})
		metrics.DeviceReportsTotal.WithLabelValues("usage", slot).Inc()
	}

	e.ledger.Append(records...)
	if err := e.ledger.PruneAndSave(ctx); err != nil {
		return err
	}

	e.logger.Debug().Int("records", len(records)).Msg("Usage batch recorded")
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// persist writes the device table and today's stats. saveMu orders the
// writes so the last one always reflects the latest state.
func (e *Engine) persist(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	devices := make(map[string]DeviceState, len(e.devices))
	for slot, st := range e.devices {
		devices[slot] = *st
	}
	stats := TodayStats{Date: e.stats.Date, Apps: make(map[string]float64, len(e.stats.Apps))}
	for name, d := range e.stats.Apps {
		stats.Apps[name] = d
	}
	e.mu.Unlock()

	if err := e.store.Save(ctx, storage.DocDeviceStatus, devices); err != nil {
		return fmt.Errorf("failed to save device status: %w", err)
	}
	if err := e.store.Save(ctx, storage.DocStatsToday, stats); err != nil {
		return fmt.Errorf("failed to save today stats: %w", err)
	}
	return nil
}

// notify pushes a fresh snapshot to every listener. notifyMu keeps each
// listener seeing snapshots in the order they were taken.
func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	snap := e.Snapshot()

	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l.DeviceStatusChanged(snap)
	}
}

// rollStatsLocked resets today's stats when the local date has changed.
func (e *Engine) rollStatsLocked(now time.Time) {
	today := e.dateOf(now)
	if e.stats.Date != today || e.stats.Apps == nil {
		e.stats = TodayStats{Date: today, Apps: map[string]float64{}}
	}
}

// RollDay starts a new local day: today's stats are cleared and slots that
// have not reported since midnight lose their online time.
func (e *Engine) RollDay(ctx context.Context, now time.Time) error {
	midnight := usage.StartOfDay(now, e.opts.Location)

	e.mu.Lock()
	e.rollStatsLocked(now)
	for _, st := range e.devices {
		if st.LastUpdate.Before(midnight) {
			st.TodayOnlineSeconds = 0
			st.TodayStats = nil
		}
	}
	e.mu.Unlock()

	if err := e.persist(ctx); err != nil {
		return err
	}
	e.notify()

	e.logger.Info().Str("date", e.dateOf(now)).Msg("Rolled over to a new day")
	return nil
}

// Classify derives the displayed status of a slot.
func (e *Engine) Classify(st DeviceState, now time.Time) string {
	return Classify(st, now, e.opts.OnlineThreshold, e.opts.SleepMaxAge)
}

// Classify derives the displayed status: a reported sleep holds for up to
// sleepMaxAge, any other status holds for onlineThreshold, and after that
// the device is offline.
func Classify(st DeviceState, now time.Time, onlineThreshold, sleepMaxAge time.Duration) string {
	if st.LastUpdate.IsZero() {
		return StatusOffline
	}
	age := now.Sub(st.LastUpdate)

	if st.Status == StatusSleep && age < sleepMaxAge {
		return StatusSleep
	}
	if age <= onlineThreshold {
		if st.Status == "" {
			return StatusOnline
		}
		return st.Status
	}
	return StatusOffline
}

// FormatUptime renders seconds as "<H>h <M>m", truncating.
func FormatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

// Snapshot renders the classified device table. With no reports yet it
// holds a single offline pc placeholder.
func (e *Engine) Snapshot() Snapshot {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.devices) == 0 {
		return Snapshot{SlotPC: placeholder()}
	}

	fallback := e.statsFallbackLocked(now)
	snap := make(Snapshot, len(e.devices))
	for slot, st := range e.devices {
		d := Device{
			ID:                 slot,
			Name:               st.DeviceName,
			Type:               slot,
			OS:                 st.DeviceOS,
			Status:             e.Classify(*st, now),
			Battery:            st.Battery,
			IsCharging:         st.IsCharging,
			NetworkType:        st.NetworkType,
			TodayOnlineSeconds: st.TodayOnlineSeconds,
			Uptime:             FormatUptime(st.TodayOnlineSeconds),
			TodayStats:         st.TodayStats,
		}
		if d.Name == "" {
			d.Name = defaultName(slot)
		}
		if d.OS == "" {
			d.OS = defaultOS(slot)
		}
		if st.CurrentApp != nil && st.CurrentApp.Name != "" {
			d.CurrentApp = *st.CurrentApp
		} else {
			d.CurrentApp = App{Name: "Unknown", Icon: defaultIcon(slot)}
		}
		if !st.LastUpdate.IsZero() {
			lu := st.LastUpdate
			d.LastUpdate = &lu
		}
		if len(d.TodayStats) == 0 {
			d.TodayStats = fallback
		}
		snap[slot] = d
	}
	return snap
}

func placeholder() Device {
	return Device{
		ID:         SlotPC,
		Name:       defaultName(SlotPC),
		Type:       SlotPC,
		OS:         defaultOS(SlotPC),
		Status:     StatusOffline,
		Uptime:     FormatUptime(0),
		CurrentApp: App{Name: "Unknown", Icon: defaultIcon(SlotPC)},
		TodayStats: []AppStat{},
	}
}

func defaultName(slot string) string {
	if slot == SlotMobile {
		return "Mobile"
	}
	return "Workstation"
}

func defaultOS(slot string) string {
	if slot == SlotMobile {
		return "Android"
	}
	return "Windows 11"
}

func defaultIcon(slot string) string {
	if slot == SlotMobile {
		return "📱"
	}
	return "💻"
}

// statsFallbackLocked returns today's top ten apps from the shared stats.
func (e *Engine) statsFallbackLocked(now time.Time) []AppStat {
	out := []AppStat{}
	if e.stats.Date != e.dateOf(now) {
		return out
	}
	for name, d := range e.stats.Apps {
		out = append(out, AppStat{Name: name, Duration: d, Icon: "📱"})
	}
	sortStats(out)
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func sortStats(s []AppStat) {
	slices.SortFunc(s, func(a, b AppStat) int {
		switch {
		case a.Duration > b.Duration:
			return -1
		case a.Duration < b.Duration:
			return 1
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}

// LatestUpdate returns the newest report time across slots.
func (e *Engine) LatestUpdate() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	var latest time.Time
	for _, st := range e.devices {
		if st.LastUpdate.After(latest) {
			latest = st.LastUpdate
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}

// Ranking returns today's top ten apps by accumulated seconds.
func (e *Engine) Ranking() Ranking {
	now := e.clock.Now()
	today := e.dateOf(now)

	e.mu.Lock()
	var stats []AppStat
	if e.stats.Date == today {
		for name, d := range e.stats.Apps {
			if d = round2(d); d > 0 {
				stats = append(stats, AppStat{Name: name, Duration: d})
			}
		}
	}
	e.mu.Unlock()

	var total float64
	for _, s := range stats {
		total += s.Duration
	}
	sortStats(stats)
	if len(stats) > 10 {
		stats = stats[:10]
	}

	apps := make([]RankedApp, 0, len(stats))
	for _, s := range stats {
		percent := 0
		if total > 0 {
			percent = int(math.Round(s.Duration / total * 100))
		}
		apps = append(apps, RankedApp{Name: s.Name, Duration: s.Duration, Percent: percent})
	}

	return Ranking{Apps: apps, TotalDuration: round2(total), Date: today}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
