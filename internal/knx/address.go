package knx

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GroupAddress represents a KNX group address.
//
// The address is a 16-bit value shown in 3-level form:
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
//
// The 2-level form (Main/Sub with Sub 0-2047) addresses the same 16-bit
// space, so two GroupAddress values are equal exactly when their numeric
// values are equal. GroupAddress is an immutable value type and is safe to
// use as a map key.
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Group address limits.
const (
	maxMain       = 31
	maxMiddle     = 7
	maxSub        = 255
	maxSub2Level  = 2047
	maxRawAddress = 0xFFFF

	// gaLevelCount is the number of levels in a 3-level group address.
	gaLevelCount = 3

	// ga2LevelCount is the number of levels in a 2-level group address.
	ga2LevelCount = 2

	// Bit masks for extracting group address parts from uint16.
	gaMainMask   = 0x1F // 5 bits
	gaMiddleMask = 0x07 // 3 bits
	gaSubMask    = 0xFF // 8 bits
	ga2SubMask   = 0x07FF
)

// NewGroupAddress creates a 3-level group address from its components.
//
// Returns ErrInvalidGroupAddress if any component is out of range.
func NewGroupAddress(main, middle, sub int) (GroupAddress, error) {
	if main < 0 || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %d", ErrInvalidGroupAddress, maxMain, main)
	}
	if middle < 0 || middle > maxMiddle {
		return GroupAddress{}, fmt.Errorf("%w: middle group must be 0-%d, got %d", ErrInvalidGroupAddress, maxMiddle, middle)
	}
	if sub < 0 || sub > maxSub {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %d", ErrInvalidGroupAddress, maxSub, sub)
	}
	return GroupAddress{Main: uint8(main), Middle: uint8(middle), Sub: uint8(sub)}, nil
}

// NewGroupAddress2Level creates a group address from its 2-level form
// (main 0-31, sub 0-2047).
func NewGroupAddress2Level(main, sub int) (GroupAddress, error) {
	if main < 0 || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %d", ErrInvalidGroupAddress, maxMain, main)
	}
	if sub < 0 || sub > maxSub2Level {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %d", ErrInvalidGroupAddress, maxSub2Level, sub)
	}
	return GroupAddressFromUint16(uint16(main)<<11 | uint16(sub)), nil //nolint:gosec // both bounded above
}

// MustGroupAddress parses s and panics on error. Intended for constants in
// tests and static configuration.
func MustGroupAddress(s string) GroupAddress {
	ga, err := ParseGroupAddress(s)
	if err != nil {
		panic(err)
	}
	return ga
}

// ParseGroupAddress parses a group address string.
//
// Accepts formats:
//   - "1/2/3"  3-level (main/middle/sub)
//   - "1/515"  2-level (main/sub)
//   - "2563"   raw 16-bit value
//
// Returns ErrInvalidGroupAddress (a format error) if parsing fails.
func ParseGroupAddress(s string) (GroupAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GroupAddress{}, fmt.Errorf("%w: empty address", ErrInvalidGroupAddress)
	}

	parts := strings.Split(s, "/")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return GroupAddress{}, fmt.Errorf("%w: %q is not a number in %q", ErrInvalidGroupAddress, p, s)
		}
		nums[i] = int(n)
	}

	switch len(nums) {
	case gaLevelCount:
		return NewGroupAddress(nums[0], nums[1], nums[2])
	case ga2LevelCount:
		return NewGroupAddress2Level(nums[0], nums[1])
	case 1:
		if nums[0] > maxRawAddress {
			return GroupAddress{}, fmt.Errorf("%w: raw address out of range: %d", ErrInvalidGroupAddress, nums[0])
		}
		return GroupAddressFromUint16(uint16(nums[0])), nil //nolint:gosec // bounded above
	default:
		return GroupAddress{}, fmt.Errorf("%w: expected main/middle/sub or main/sub, got %q", ErrInvalidGroupAddress, s)
	}
}

// String returns the group address in 3-level format.
//
// Example: "1/2/3"
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// String2Level returns the group address in 2-level format.
//
// Example: "1/515"
func (ga GroupAddress) String2Level() string {
	return fmt.Sprintf("%d/%d", ga.Main, ga.ToUint16()&ga2SubMask)
}

// ToUint16 converts the group address to a 16-bit integer.
//
// Layout: MMMM MSSS SSSS SSSS
//   - M = Main (5 bits)
//   - S = Middle (3 bits) + Sub (8 bits)
func (ga GroupAddress) ToUint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// GroupAddressFromUint16 creates a GroupAddress from a 16-bit integer.
func GroupAddressFromUint16(value uint16) GroupAddress {
	return GroupAddress{
		Main:   uint8((value >> 11) & gaMainMask),  //nolint:gosec // masked to 5 bits (0-31)
		Middle: uint8((value >> 8) & gaMiddleMask), //nolint:gosec // masked to 3 bits (0-7)
		Sub:    uint8(value & gaSubMask),           //nolint:gosec // masked to 8 bits (0-255)
	}
}

// URLEncode returns the group address as a URL-encoded string.
//
// This is used in MQTT topics and URL paths where "/" is a level separator.
//
// Example: "1/2/3" → "1%2F2%2F3"
func (ga GroupAddress) URLEncode() string {
	return url.PathEscape(ga.String())
}

// ParseGroupAddressFromURL parses a URL-encoded group address.
func ParseGroupAddressFromURL(encoded string) (GroupAddress, error) {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return GroupAddress{}, fmt.Errorf("%w: URL decode failed: %w", ErrInvalidGroupAddress, err)
	}
	return ParseGroupAddress(decoded)
}

// IsValid returns true if the group address values are within valid ranges.
func (ga GroupAddress) IsValid() bool {
	return ga.Main <= maxMain && ga.Middle <= maxMiddle
}

// MarshalText implements encoding.TextMarshaler using the 3-level form.
func (ga GroupAddress) MarshalText() ([]byte, error) {
	return []byte(ga.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ga *GroupAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseGroupAddress(string(text))
	if err != nil {
		return err
	}
	*ga = parsed
	return nil
}
