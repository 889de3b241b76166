// Package dashboard renders the device table to a terminal. It only
// observes presence notifications and never touches engine state.
package dashboard

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/presence"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
	faint  = color.New(color.Faint)
)

// Dashboard prints one line per slot whenever the rendered table changes.
type Dashboard struct {
	out      io.Writer
	snapshot func() presence.Snapshot
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	last     string
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a dashboard. snapshot is polled every interval so that
// devices age into offline without a new report.
func New(out io.Writer, snapshot func() presence.Snapshot, interval time.Duration, logger zerolog.Logger) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dashboard{
		out:      out,
		snapshot: snapshot,
		interval: interval,
		logger:   logger.With().Str("component", "dashboard").Logger(),
	}
}

// DeviceStatusChanged renders a pushed snapshot.
func (d *Dashboard) DeviceStatusChanged(s presence.Snapshot) {
	d.draw(s)
}

// Start begins the refresh loop.
func (d *Dashboard) Start() {
	d.stopChan = make(chan struct{})
	d.doneChan = make(chan struct{})
	go d.run()
	d.logger.Info().Dur("refresh_interval", d.interval).Msg("Console dashboard started")
}

// Stop ends the refresh loop.
func (d *Dashboard) Stop() {
	if d.stopChan == nil {
		return
	}
	close(d.stopChan)
	<-d.doneChan
}

func (d *Dashboard) run() {
	defer close(d.doneChan)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.draw(d.snapshot())
	for {
		select {
		case <-ticker.C:
			d.draw(d.snapshot())
		case <-d.stopChan:
			return
		}
	}
}

func (d *Dashboard) draw(s presence.Snapshot) {
	text := Render(s)

	d.mu.Lock()
	defer d.mu.Unlock()

	if text == d.last {
		return
	}
	d.last = text
	if _, err := io.WriteString(d.out, text); err != nil {
		d.logger.Debug().Err(err).Msg("Dashboard write failed")
	}
}

// Render formats the table, slots in name order, followed by a separator.
func Render(s presence.Snapshot) string {
	slots := make([]string, 0, len(s))
	for slot := range s {
		slots = append(slots, slot)
	}
	slices.Sort(slots)

	var b strings.Builder
	for _, slot := range slots {
		dev := s[slot]
		fmt.Fprintf(&b, "%s %-12s %s  %s  %s\n",
			cyan.Sprintf("[%s]", slot),
			dev.Name,
			statusColor(dev.Status).Sprintf("%-8s", dev.Status),
			detail(dev),
			app(dev),
		)
	}
	b.WriteString(faint.Sprint(strings.Repeat("-", 60)))
	b.WriteString("\n")
	return b.String()
}

func statusColor(status string) *color.Color {
	switch status {
	case presence.StatusOnline:
		return green
	case presence.StatusSleep:
		return blue
	case presence.StatusOffline:
		return red
	default:
		return yellow
	}
}

// detail shows the battery when the device reports one, else the OS.
func detail(dev presence.Device) string {
	if dev.Battery == nil {
		return dev.OS
	}
	text := fmt.Sprintf("%d%%", *dev.Battery)
	if dev.IsCharging != nil && *dev.IsCharging {
		text += " charging"
	}
	return text
}

func app(dev presence.Device) string {
	name := dev.CurrentApp.Name
	if dev.CurrentApp.Title != "" {
		name += " - " + dev.CurrentApp.Title
	}
	return name + faint.Sprintf(" (%s)", dev.Uptime)
}
