package knx

import (
	"fmt"
	"strings"
)

// Priority is the KNX transmission priority carried in every frame.
//
// The numeric values are the 2-bit priority field of the KNX control byte.
// They do not sort in dispatch order; use Before to compare.
type Priority uint8

// KNX priority classes.
const (
	PrioritySystem Priority = 0 // reserved for management and system traffic
	PriorityNormal Priority = 1 // "high" in some tools
	PriorityUrgent Priority = 2 // alarms
	PriorityLow    Priority = 3 // default for process communication

	// PriorityHigh is an alias for PriorityNormal.
	PriorityHigh = PriorityNormal

	// PriorityAlarm is an alias for PriorityUrgent.
	PriorityAlarm = PriorityUrgent
)

// dispatchRank orders priorities from most to least urgent.
var dispatchRank = [...]int{
	PrioritySystem: 0,
	PriorityUrgent: 1,
	PriorityNormal: 2,
	PriorityLow:    3,
}

// IsValid reports whether p is one of the four KNX priority classes.
func (p Priority) IsValid() bool {
	return p <= PriorityLow
}

// Before reports whether frames with priority p are dispatched ahead of
// frames with priority q (system, urgent, normal, low).
func (p Priority) Before(q Priority) bool {
	return p.rank() < q.rank()
}

func (p Priority) rank() int {
	if !p.IsValid() {
		return len(dispatchRank)
	}
	return dispatchRank[p]
}

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority parses a priority name. Accepted names are system, normal,
// high, urgent, alarm and low (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return PrioritySystem, nil
	case "normal", "high":
		return PriorityNormal, nil
	case "urgent", "alarm":
		return PriorityUrgent, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
