package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Summary describes one update cycle.
type Summary struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration

	Fetched        int
	Inserted       int
	Duplicates     int
	SourceFailures int

	Due     int
	Sent    int
	Skipped int
	Failed  int
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update complete in %s.\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Fetched: %d (new %d, known %d)\n", s.Fetched, s.Inserted, s.Duplicates)
	if s.SourceFailures > 0 {
		fmt.Fprintf(&b, "Source failures: %d\n", s.SourceFailures)
	}
	fmt.Fprintf(&b, "Due events: %d\n", s.Due)
	fmt.Fprintf(&b, "Sent: %d, already sent: %d, failed: %d", s.Sent, s.Skipped, s.Failed)
	return b.String()
}
