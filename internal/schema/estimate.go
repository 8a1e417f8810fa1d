package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Time estimate units accepted by the add form.
const (
	UnitMinutes = "mins"
	UnitHours   = "hrs"
)

// DefaultEstimate is what a new task gets when no time is given.
const DefaultEstimate = "15 mins"

// FormatEstimate renders an estimate the way tasks store it, e.g. "15 mins".
func FormatEstimate(n int, unit string) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: time must be positive (got %d)", ErrInvalidTask, n)
	}
	switch unit {
	case UnitMinutes, UnitHours:
	default:
		return "", fmt.Errorf("%w: unit must be %q or %q (got %q)", ErrInvalidTask, UnitMinutes, UnitHours, unit)
	}
	return fmt.Sprintf("%d %s", n, unit), nil
}

// ParseEstimate splits "2 hrs" into its amount and unit.
func ParseEstimate(s string) (int, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("%w: time must look like \"15 mins\" (got %q)", ErrInvalidTask, s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("%w: time amount %q is not a number", ErrInvalidTask, fields[0])
	}
	if _, err := FormatEstimate(n, fields[1]); err != nil {
		return 0, "", err
	}
	return n, fields[1], nil
}
