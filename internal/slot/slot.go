package slot

import (
	"fmt"
	"time"
)

// Slot is a fixed-duration bookable time interval. Values are immutable
// and compared as half-open intervals [Start, End).
type Slot struct {
	Start time.Time
	End   time.Time
}

func New(start time.Time, length time.Duration) Slot {
	return Slot{Start: start, End: start.Add(length)}
}

func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether two slots intersect. Back-to-back slots do
// not overlap.
func (s Slot) Overlaps(other Slot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// Key is the normalized identity of the interval, used for lock keys.
func (s Slot) Key() string {
	return fmt.Sprintf("%s/%s",
		s.Start.UTC().Format(time.RFC3339),
		s.End.UTC().Format(time.RFC3339))
}

func (s Slot) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}
