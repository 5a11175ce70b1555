// Package uncertainty validates the confidence signal a reasoning stage reports.
//
// A level of 1.0 means nothing is known yet; 0.0 means the stage is certain. The
// value is advisory and never gates a transition.
package uncertainty

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Tolerance is how far outside [0,1] a reported level may drift before it is
// rejected instead of clamped.
const Tolerance = 1e-6

// Initial is the level of a freshly received workspace.
const Initial = 1.0

var (
	ErrNotNumeric = errors.New("uncertainty level is not a number")
	ErrOutOfRange = errors.New("uncertainty level out of range")
)

// Parse reads a raw JSON value and returns the clamped level. Strings, booleans,
// null and objects are rejected even when they contain digits.
func Parse(raw []byte) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing", ErrNotNumeric)
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return 0, fmt.Errorf("%w: %s", ErrNotNumeric, truncate(raw))
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", ErrOutOfRange, truncate(raw))
		}
		return 0, fmt.Errorf("%w: %s", ErrNotNumeric, truncate(raw))
	}
	return Clamp(v)
}

// Clamp accepts values in [0,1] and pulls values within Tolerance of the bounds
// back inside. NaN, infinities and anything further out fail with ErrOutOfRange.
func Clamp(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	if v < -Tolerance || v > 1+Tolerance {
		return 0, fmt.Errorf("%w: %v not in [0,1]", ErrOutOfRange, v)
	}
	return math.Min(1, math.Max(0, v)), nil
}

// Percentage converts a level into a confidence percentage.
func Percentage(level float64) float64 {
	return (1 - level) * 100
}

func truncate(raw []byte) string {
	const max = 32
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
