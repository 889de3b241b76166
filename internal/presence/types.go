package presence

import (
	"strings"
	"time"
)

// Device slots. Every reporting identity collapses into one of these.
const (
	SlotPC     = "pc"
	SlotMobile = "mobile"
)

// Reported and derived statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusSleep   = "sleep"
)

// App is the foreground application of a device.
type App struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Icon        string `json:"icon,omitempty"`
	PackageName string `json:"packageName,omitempty"`
}

// AppStat is one app's accumulated time for the day.
type AppStat struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
	Icon     string  `json:"icon,omitempty"`
}

// UsageInput is one record of a usage-batch report.
type UsageInput struct {
	DeviceID    string `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	DeviceName  string `json:"deviceName"`
	AppName     string `json:"appName"`
	WindowTitle string `json:"windowTitle"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	Duration    int64  `json:"duration"` // milliseconds
	Timestamp   string `json:"timestamp"`
}

// Report is the body of POST /api/report/device: either a status report
// (Type "status") or a usage batch (UsageRecords set).
type Report struct {
	Type         string       `json:"type"`
	DeviceID     string       `json:"deviceId"`
	DeviceType   string       `json:"deviceType"`
	DeviceName   string       `json:"deviceName"`
	DeviceOS     string       `json:"deviceOS"`
	Status       string       `json:"status"`
	Battery      *int         `json:"battery"`
	IsCharging   *bool        `json:"isCharging"`
	NetworkType  string       `json:"networkType"`
	CurrentApp   *App         `json:"currentApp"`
	Duration     any          `json:"duration"` // seconds; anything but a positive number means the default
	TodayStats   []AppStat    `json:"todayStats"`
	UsageRecords []UsageInput `json:"usageRecords"`
}

// DeviceState is the persisted state of one slot.
type DeviceState struct {
	DeviceID           string    `json:"deviceId"`
	DeviceType         string    `json:"deviceType"`
	DeviceName         string    `json:"deviceName,omitempty"`
	DeviceOS           string    `json:"deviceOS,omitempty"`
	Status             string    `json:"status"`
	Battery            *int      `json:"battery,omitempty"`
	IsCharging         *bool     `json:"isCharging,omitempty"`
	NetworkType        string    `json:"networkType,omitempty"`
	CurrentApp         *App      `json:"currentApp,omitempty"`
	TodayStats         []AppStat `json:"todayStats,omitempty"`
	LastUpdate         time.Time `json:"lastUpdate"`
	TodayOnlineSeconds int64     `json:"todayOnlineSeconds"`
}

// Device is one slot as rendered to readers, classification applied.
type Device struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               string     `json:"type"`
	OS                 string     `json:"os"`
	Status             string     `json:"status"`
	Battery            *int       `json:"battery,omitempty"`
	IsCharging         *bool      `json:"isCharging,omitempty"`
	NetworkType        string     `json:"networkType,omitempty"`
	TodayOnlineSeconds int64      `json:"todayOnlineSeconds"`
	Uptime             string     `json:"uptime"`
	CurrentApp         App        `json:"currentApp"`
	LastUpdate         *time.Time `json:"lastUpdate,omitempty"`
	TodayStats         []AppStat  `json:"todayStats"`
}

// Snapshot is the full device table keyed by slot.
type Snapshot map[string]Device

// TodayStats is the persisted per-app time for one local date.
type TodayStats struct {
	Date string             `json:"date"`
	Apps map[string]float64 `json:"apps"`
}

// RankedApp is one row of the today ranking.
type RankedApp struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
	Percent  int     `json:"percent"`
}

// Ranking is the /api/stats/today payload.
type Ranking struct {
	Apps          []RankedApp `json:"data"`
	TotalDuration float64     `json:"totalDuration"`
	Date          string      `json:"date"`
}

// NormalizeDevice maps a declared device type to its slot. Only "mobile"
// (any case) selects the mobile slot.
func NormalizeDevice(deviceType string) string {
	if strings.EqualFold(strings.TrimSpace(deviceType), SlotMobile) {
		return SlotMobile
	}
	return SlotPC
}

func onlineEquivalent(status string) bool {
	return status != StatusOffline
}
