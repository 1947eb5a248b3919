package tokencache

import (
	"fmt"
	"reflect"
	"time"
)

// Entry wraps a cached value with the timestamps that govern when it can be
// served. Entries are not modified after construction, an update replaces the
// entry.
//
// RefreshAt is expected to be no later than ExpiresAt, this is not enforced.
type Entry[T any] struct {
	Value T
	// ExpiresAt is the point after which the value must not be served.
	ExpiresAt time.Time
	// LastKnownGoodUntil is how long the value can be used as a fallback
	// when the issuer is unavailable.
	LastKnownGoodUntil time.Time
	// RefreshAt is when a proactive refresh should be attempted.
	RefreshAt time.Time
}

// NewEntry creates an entry for value. A nil pointer, map, slice, func,
// channel or interface value is rejected with ErrInvalidEntry.
func NewEntry[T any](value T, expiresAt, lastKnownGoodUntil, refreshAt time.Time) (*Entry[T], error) {
	if isAbsent(value) {
		return nil, fmt.Errorf("%w: value must be set", ErrInvalidEntry)
	}
	return &Entry[T]{
		Value:              value,
		ExpiresAt:          expiresAt,
		LastKnownGoodUntil: lastKnownGoodUntil,
		RefreshAt:          refreshAt,
	}, nil
}

// IsValid reports whether now is before the expiration time.
func (e *Entry[T]) IsValid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// IsValidAsLastKnownGood reports whether now is before the last known good
// time.
func (e *Entry[T]) IsValidAsLastKnownGood(now time.Time) bool {
	return now.Before(e.LastKnownGoodUntil)
}

// NeedsRefresh reports whether the refresh time has been reached.
func (e *Entry[T]) NeedsRefresh(now time.Time) bool {
	return !now.Before(e.RefreshAt)
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// applyJitter moves t by a random offset in [-max, max]. The result never
// lands before now, and never after ceiling when ceiling is set. rnd returns
// a value in [0, n).
func applyJitter(t, now, ceiling time.Time, max time.Duration, rnd func(n int64) int64) time.Time {
	if max <= 0 || rnd == nil {
		return t
	}
	max = min(max, MaxJitter)
	offset := time.Duration(rnd(2*int64(max)+1)) - max
	j := t.Add(offset)
	if j.Before(now) {
		j = now
	}
	if !ceiling.IsZero() && j.After(ceiling) {
		j = ceiling
	}
	return j
}
