package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultStatusLogMax bounds job_queue.status_log.
	DefaultStatusLogMax = 1 << 20
	// DefaultErrorDetailMax bounds job_queue.error_detail.
	DefaultErrorDetailMax = 5000
)

// KeepTail returns the last max characters of s.
// A non-positive max leaves s unchanged.
func KeepTail(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	drop := utf8.RuneCountInString(s) - max
	for i := range s {
		if drop == 0 {
			return s[i:]
		}
		drop--
	}
	return ""
}

// AppendLog appends entry as a new line and trims the oldest content so the
// result never exceeds max characters.
func AppendLog(log, entry string, max int) string {
	entry = strings.TrimRight(entry, "\n")
	if entry == "" {
		return KeepTail(log, max)
	}
	if log != "" && !strings.HasSuffix(log, "\n") {
		log += "\n"
	}
	return KeepTail(log+entry+"\n", max)
}

// LogLine formats a status_log entry.
func LogLine(at time.Time, lease Lease, msg string) string {
	return fmt.Sprintf("%s attempt=%d worker=%s %s", at.UTC().Format(time.RFC3339), lease.Attempt, lease.WorkerID, msg)
}
