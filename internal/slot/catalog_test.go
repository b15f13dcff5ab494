package slot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsFullDay(t *testing.T) {
	cat, err := NewCatalog(time.UTC, "09:00", "17:00", 30*time.Minute)
	require.NoError(t, err)

	date := time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC) // a Wednesday
	slots := cat.Slots(date)

	require.Len(t, slots, 16)
	assert.Equal(t, time.Date(2026, time.September, 2, 9, 0, 0, 0, time.UTC), slots[0].Start)
	assert.Equal(t, time.Date(2026, time.September, 2, 16, 30, 0, 0, time.UTC), slots[15].Start)

	for i, s := range slots {
		assert.Equal(t, 30*time.Minute, s.Duration())
		assert.False(t, s.End.After(time.Date(2026, time.September, 2, 17, 0, 0, 0, time.UTC)))
		if i > 0 {
			assert.False(t, s.Overlaps(slots[i-1]), "slot %d overlaps its predecessor", i)
			assert.True(t, s.Start.After(slots[i-1].Start))
		}
	}
}

func TestSlotsDropRemainder(t *testing.T) {
	// 09:00-10:15 with 30m slots: the trailing 15 minutes are dropped.
	cat, err := NewCatalog(time.UTC, "09:00", "10:15", 30*time.Minute)
	require.NoError(t, err)

	slots := cat.Slots(time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC))
	require.Len(t, slots, 2)
	assert.Equal(t, time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC), slots[1].End)
}

func TestSlotsClosedDay(t *testing.T) {
	cat, err := NewCatalog(time.UTC, "09:00", "17:00", 30*time.Minute,
		WithClosedDays(time.Sunday, time.Monday))
	require.NoError(t, err)

	sunday := time.Date(2026, time.September, 6, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, cat.Slots(sunday))

	tuesday := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	assert.NotEmpty(t, cat.Slots(tuesday))
}

func TestSlotsDayOverride(t *testing.T) {
	cat, err := NewCatalog(time.UTC, "13:00", "19:00", time.Hour,
		WithDayHours(time.Friday, "09:00", "15:00"))
	require.NoError(t, err)

	friday := time.Date(2026, time.September, 4, 0, 0, 0, 0, time.UTC)
	slots := cat.Slots(friday)
	require.Len(t, slots, 6)
	assert.Equal(t, 9, slots[0].Start.Hour())

	thursday := time.Date(2026, time.September, 3, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 13, cat.Slots(thursday)[0].Start.Hour())
}

func TestNewCatalogInvalid(t *testing.T) {
	cases := []struct {
		name       string
		start, end string
		length     time.Duration
	}{
		{"end before start", "17:00", "09:00", 30 * time.Minute},
		{"zero length", "09:00", "17:00", 0},
		{"sub-minute length", "09:00", "17:00", 90 * time.Second},
		{"slot longer than window", "09:00", "09:20", 30 * time.Minute},
		{"bad clock", "9am", "17:00", 30 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(time.UTC, tc.start, tc.end, tc.length)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestWithDayHoursInvalid(t *testing.T) {
	cases := []struct {
		name       string
		start, end string
	}{
		{"bad start clock", "9am", "15:00"},
		{"bad end clock", "09:00", "3pm"},
		{"end before start", "15:00", "09:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(time.UTC, "09:00", "17:00", 30*time.Minute,
				WithDayHours(time.Friday, tc.start, tc.end))
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestContains(t *testing.T) {
	cat, err := NewCatalog(time.UTC, "09:00", "17:00", 30*time.Minute)
	require.NoError(t, err)

	onGrid := New(time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC), 30*time.Minute)
	assert.True(t, cat.Contains(onGrid))

	offGrid := New(time.Date(2026, time.September, 2, 10, 10, 0, 0, time.UTC), 30*time.Minute)
	assert.False(t, cat.Contains(offGrid))

	wrongLength := New(time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC), time.Hour)
	assert.False(t, cat.Contains(wrongLength))
}

func TestOverlapsHalfOpen(t *testing.T) {
	base := time.Date(2026, time.September, 2, 10, 0, 0, 0, time.UTC)
	a := New(base, 30*time.Minute)
	b := New(base.Add(30*time.Minute), 30*time.Minute) // back-to-back
	c := New(base.Add(15*time.Minute), 30*time.Minute)

	assert.False(t, a.Overlaps(b))
	assert.False(t, b.Overlaps(a))
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(b))
	assert.True(t, a.Overlaps(a))
}
