// Package schedule holds the occurrence arithmetic shared by the dispatch loop
// and the read-only views. Everything here is pure and works in UTC.
package schedule

import "time"

// Series describes when a notification fires. Every is zero for a one-off.
type Series struct {
	Start         time.Time
	Every         time.Duration
	End           *time.Time
	LastTriggered *time.Time
}

// Repeating reports whether the series has a positive interval.
func (s Series) Repeating() bool {
	return s.Every > 0
}

// After reports whether t lies strictly past the series end time.
func (s Series) After(t time.Time) bool {
	return s.End != nil && t.After(*s.End)
}

// NextOccurrence returns the next due occurrence as seen at now, or false when
// nothing is left to fire.
//
// A one-off that was never triggered returns its start even when the start is in
// the past; whether it is still worth sending is decided at dispatch time.
//
// When base is LastTriggered and now has not passed it, the result is
// base+Every rather than base: LastTriggered is already resolved and must not
// be reported as due again.
func NextOccurrence(s Series, now time.Time) (time.Time, bool) {
	now = now.UTC()
	if !s.Repeating() {
		if s.LastTriggered != nil {
			return time.Time{}, false
		}
		return s.Start.UTC(), true
	}

	base := s.Start.UTC()
	if s.LastTriggered != nil {
		base = s.LastTriggered.UTC()
	}

	var next time.Time
	switch {
	case !now.After(base) && s.LastTriggered == nil:
		next = base
	case !now.After(base):
		// base itself was already resolved
		next = base.Add(s.Every)
	default:
		missed := int64(now.Sub(base) / s.Every)
		next = base.Add(time.Duration(missed+1) * s.Every)
	}

	if s.After(next) {
		return time.Time{}, false
	}
	return next, true
}

// FirstPending is the earliest occurrence not yet resolved: the start for a
// fresh series, or one interval after the last trigger.
func FirstPending(s Series) time.Time {
	if s.LastTriggered == nil || !s.Repeating() {
		return s.Start.UTC()
	}
	return s.LastTriggered.UTC().Add(s.Every)
}

// MissedOccurrences lists, ascending, every base+k×every (k ≥ 1) that is already
// past (t < now) and no older than lateWindow (now−t ≤ lateWindow). Occurrences
// that fell out of the window are never produced.
func MissedOccurrences(base time.Time, every time.Duration, now time.Time, lateWindow time.Duration) []time.Time {
	first, last := missedRange(base, every, now, lateWindow)
	if first > last {
		return nil
	}

	out := make([]time.Time, 0, last-first+1)
	for k := first; k <= last; k++ {
		out = append(out, base.UTC().Add(time.Duration(k)*every))
	}
	return out
}

// StaleOccurrences counts the occurrences base+k×every (k ≥ 1) that are past and
// older than lateWindow, returning the count and the latest of them.
func StaleOccurrences(base time.Time, every time.Duration, now time.Time, lateWindow time.Duration) (int64, time.Time) {
	first, last := missedRange(base, every, now, lateWindow)
	stale := first - 1
	if last < stale {
		stale = last
	}
	if stale < 1 {
		return 0, time.Time{}
	}
	return stale, base.UTC().Add(time.Duration(stale) * every)
}

// CountThrough counts the occurrences base+k×every (k ≥ 1) that are not after end.
func CountThrough(base time.Time, every time.Duration, end time.Time) int64 {
	if every <= 0 || !end.After(base) {
		return 0
	}
	return int64(end.Sub(base) / every)
}

// missedRange returns the k bounds for past occurrences inside the window.
// last is the largest k with base+k×every < now; first is the smallest k ≥ 1
// with now−(base+k×every) ≤ lateWindow.
func missedRange(base time.Time, every time.Duration, now time.Time, lateWindow time.Duration) (first, last int64) {
	if every <= 0 {
		return 1, 0
	}

	elapsed := now.Sub(base)
	if elapsed <= 0 {
		return 1, 0
	}
	last = int64((elapsed - 1) / every)

	oldest := elapsed - lateWindow
	first = 1
	if oldest > 0 {
		first = int64((oldest + every - 1) / every)
		if first < 1 {
			first = 1
		}
	}
	return first, last
}
