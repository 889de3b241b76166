package usage

import (
	"time"
)

// Record is one completed interval of foreground app usage.
type Record struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	DeviceType  string    `json:"deviceType"`
	DeviceName  string    `json:"deviceName,omitempty"`
	AppName     string    `json:"appName"`
	WindowTitle string    `json:"windowTitle,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	DurationMs  int64     `json:"duration"`
	Timestamp   time.Time `json:"timestamp"`
}

// document is the persisted ledger layout.
type document struct {
	Records    []Record  `json:"records"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// AppUsage is one row of the per-day usage summary.
type AppUsage struct {
	Name       string `json:"name"`
	Time       string `json:"time"`
	DurationMs int64  `json:"duration"`
	Count      int    `json:"count"`
	Icon       string `json:"icon"`
	Category   string `json:"category"`
	Percent    int    `json:"percent"`
}

// TodaySummary aggregates the records since local midnight.
type TodaySummary struct {
	Apps          []AppUsage `json:"data"`
	TotalDuration string     `json:"totalDuration"`
	RecordCount   int        `json:"recordCount"`
}
