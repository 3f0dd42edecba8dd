package cli

import (
	"fmt"
	"time"
)

// FormatDuration formats a duration the way the status/jobs commands print
// elapsed or queued time.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// RelativeTime formats a timestamp relative to now ("3 minutes ago").
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// StatusSymbol returns a terminal-friendly symbol for a job status.
func StatusSymbol(status string) string {
	switch status {
	case "completed":
		return "\033[32m✓\033[0m"
	case "failed", "error":
		return "\033[31m✗\033[0m"
	case "cancelled":
		return "\033[90m⦸\033[0m"
	case "running":
		return "\033[33m●\033[0m"
	case "pending":
		return "\033[90m○\033[0m"
	default:
		return "?"
	}
}
