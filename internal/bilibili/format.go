package bilibili

import (
	"fmt"
	"strings"
	"time"
)

// relativeDate renders a publish time the way the dashboard shows it.
func relativeDate(published, now time.Time) string {
	days := int(now.Sub(published) / (24 * time.Hour))
	switch {
	case days <= 0:
		return "今天"
	case days < 7:
		return fmt.Sprintf("%d天前", days)
	case days < 30:
		return fmt.Sprintf("%d周前", days/7)
	case days < 365:
		return fmt.Sprintf("%d个月前", days/30)
	default:
		return fmt.Sprintf("%d年前", days/365)
	}
}

// absoluteURL turns protocol-relative and scheme-less CDN links into https.
func absoluteURL(u string) string {
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "http"):
		return u
	default:
		return "https:" + u
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
