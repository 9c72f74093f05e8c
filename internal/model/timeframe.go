package model

import (
	"fmt"
	"sort"
	"time"
)

// Timeframe identifies one of the fixed candle periods the system
// understands. The set is closed: detection math relies on every larger
// period being an exact multiple of every smaller one.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// AllTimeframes returns every supported timeframe, ascending by duration.
func AllTimeframes() []Timeframe {
	tfs := make([]Timeframe, 0, len(timeframeDurations))
	for tf := range timeframeDurations {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })
	return tfs
}

// ParseTimeframe maps a string like "15m" onto the fixed table.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the period length, zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration { return timeframeDurations[tf] }

// Millis returns the period length in milliseconds.
func (tf Timeframe) Millis() int64 { return timeframeDurations[tf].Milliseconds() }

// Normalize floors t to the start of the period containing it.
func (tf Timeframe) Normalize(t time.Time) time.Time {
	step := tf.Millis()
	if step == 0 {
		return t.UTC()
	}
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%step).UTC()
}

// NextPeriodStart returns the start of the period after the one
// containing t.
func (tf Timeframe) NextPeriodStart(t time.Time) time.Time {
	return tf.Normalize(t).Add(tf.Duration())
}

func (tf Timeframe) String() string { return string(tf) }
