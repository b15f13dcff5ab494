package slot

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfiguration = errors.New("invalid slot catalog configuration")

// Hours is a working window within a single day, both ends expressed as
// minutes from midnight.
type Hours struct {
	Start int
	End   int
}

// Catalog computes the bookable slots for a clinic day. It is a pure
// value: Slots never touches storage and can be called concurrently.
type Catalog struct {
	loc        *time.Location
	defaultDay Hours
	slotLength time.Duration
	closed     map[time.Weekday]bool
	overrides  map[time.Weekday]Hours

	optErr error // first option failure, surfaced by NewCatalog
}

type CatalogOption func(*Catalog)

// WithClosedDays marks weekdays the clinic does not work at all.
func WithClosedDays(days ...time.Weekday) CatalogOption {
	return func(c *Catalog) {
		for _, d := range days {
			c.closed[d] = true
		}
	}
}

// WithDayHours overrides the working window for one weekday, e.g. a
// short Friday.
func WithDayHours(day time.Weekday, start, end string) CatalogOption {
	return func(c *Catalog) {
		s, err := parseClock(start)
		if err != nil {
			c.fail(fmt.Errorf("%w: %s start: %v", ErrInvalidConfiguration, day, err))
			return
		}
		e, err := parseClock(end)
		if err != nil {
			c.fail(fmt.Errorf("%w: %s end: %v", ErrInvalidConfiguration, day, err))
			return
		}
		if e <= s {
			c.fail(fmt.Errorf("%w: %s end %s not after start %s", ErrInvalidConfiguration, day, end, start))
			return
		}
		c.overrides[day] = Hours{Start: s, End: e}
	}
}

func (c *Catalog) fail(err error) {
	if c.optErr == nil {
		c.optErr = err
	}
}

// NewCatalog builds a catalog for working hours dayStart..dayEnd (HH:MM)
// in the given location, cut into slots of slotLength. The remainder of
// the window that does not fit a whole slot is dropped.
func NewCatalog(loc *time.Location, dayStart, dayEnd string, slotLength time.Duration, opts ...CatalogOption) (*Catalog, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := parseClock(dayStart)
	if err != nil {
		return nil, fmt.Errorf("%w: day start: %v", ErrInvalidConfiguration, err)
	}
	end, err := parseClock(dayEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: day end: %v", ErrInvalidConfiguration, err)
	}
	if slotLength <= 0 || slotLength%time.Minute != 0 {
		return nil, fmt.Errorf("%w: slot length %s must be a positive whole number of minutes", ErrInvalidConfiguration, slotLength)
	}
	if end <= start {
		return nil, fmt.Errorf("%w: day end %s not after day start %s", ErrInvalidConfiguration, dayEnd, dayStart)
	}
	if time.Duration(end-start)*time.Minute < slotLength {
		return nil, fmt.Errorf("%w: slot length %s exceeds working window", ErrInvalidConfiguration, slotLength)
	}

	c := &Catalog{
		loc:        loc,
		defaultDay: Hours{Start: start, End: end},
		slotLength: slotLength,
		closed:     make(map[time.Weekday]bool),
		overrides:  make(map[time.Weekday]Hours),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}
	return c, nil
}

func (c *Catalog) Location() *time.Location { return c.loc }

func (c *Catalog) SlotLength() time.Duration { return c.slotLength }

// Hours returns the working window for a weekday, or false on closed days.
func (c *Catalog) Hours(day time.Weekday) (Hours, bool) {
	if c.closed[day] {
		return Hours{}, false
	}
	if h, ok := c.overrides[day]; ok {
		return h, true
	}
	return c.defaultDay, true
}

// Slots returns every bookable slot of the given date in chronological
// order, clipped to the day's working hours. Closed days yield nil.
func (c *Catalog) Slots(date time.Time) []Slot {
	date = date.In(c.loc)
	hours, open := c.Hours(date.Weekday())
	if !open {
		return nil
	}

	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, c.loc)
	cursor := midnight.Add(time.Duration(hours.Start) * time.Minute)
	dayEnd := midnight.Add(time.Duration(hours.End) * time.Minute)

	var out []Slot
	for !cursor.Add(c.slotLength).After(dayEnd) {
		out = append(out, New(cursor, c.slotLength))
		cursor = cursor.Add(c.slotLength)
	}
	return out
}

// Contains reports whether s lies on the catalog grid for its day.
func (c *Catalog) Contains(s Slot) bool {
	for _, candidate := range c.Slots(s.Start) {
		if candidate.Start.Equal(s.Start) && candidate.End.Equal(s.End) {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
