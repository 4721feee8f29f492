package knx

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// KNX Datapoint Type encoding constants.
const (
	// dpt5MaxValue is the maximum raw value for DPT5 (1-byte unsigned).
	dpt5MaxValue = 255

	// dpt5PercentMax is the maximum percentage for DPT5.001.
	dpt5PercentMax = 100

	// dpt5AngleMax is the maximum angle in degrees for DPT5.003.
	dpt5AngleMax = 360

	// dpt3MaxSteps is the largest step code of a DPT3 control value.
	dpt3MaxSteps = 7

	// dpt9Min and dpt9Max bound the DPT9 2-byte float range.
	dpt9Min = -671088.64
	dpt9Max = 670760.96

	// dpt9MaxExponent is the maximum exponent for DPT9 2-byte float.
	dpt9MaxExponent = 15

	// dpt9MantissaMask is the mask for extracting mantissa from DPT9.
	dpt9MantissaMask = 0x07FF

	// dpt9Invalid is the "invalid data" sentinel for all DPT 9.xxx types.
	dpt9Invalid = 0x7FFF

	// dpt16Length is the fixed field length of DPT16 strings.
	dpt16Length = 14

	// dpt17MaxScene is the maximum scene number for DPT17/18.
	dpt17MaxScene = 63

	// dpt17SceneMask is the mask for extracting scene number.
	dpt17SceneMask = 0x3F

	// dptRGBBytes is the number of bytes for DPT232 RGB colour.
	dptRGBBytes = 3

	// dpt14Bytes is the number of bytes for DPT14 4-byte float.
	dpt14Bytes = 4

	// byteShift is the bit shift for byte extraction.
	byteShift = 8
)

// DPT represents a KNX Datapoint Type identifier.
//
// Format: "major.minor" (e.g., "1.001", "9.001")
type DPT string

// Common DPT identifiers used in building automation.
const (
	// 1-bit types (DPT 1.xxx)
	DPTSwitch    DPT = "1.001" // 0=Off, 1=On
	DPTBool      DPT = "1.002" // 0=False, 1=True
	DPTEnable    DPT = "1.003" // 0=Disable, 1=Enable
	DPTStep      DPT = "1.007" // 0=Decrease, 1=Increase
	DPTUpDown    DPT = "1.008" // 0=Up, 1=Down
	DPTOpenClose DPT = "1.009" // 0=Open, 1=Close
	DPTStart     DPT = "1.010" // 0=Stop, 1=Start
	DPTTrigger   DPT = "1.017" // 1=Trigger

	// 4-bit types (DPT 3.xxx)
	DPTDimmingControl DPT = "3.007" // Direction + steps
	DPTBlindControl   DPT = "3.008" // Direction + steps

	// 1-byte unsigned types (DPT 5.xxx)
	DPTPercentage DPT = "5.001" // 0-100%
	DPTAngle      DPT = "5.003" // 0-360°
	DPTPercentU8  DPT = "5.004" // 0-255 raw
	DPTValue1UCnt DPT = "5.010" // 0-255 counter pulses

	// 2-byte float types (DPT 9.xxx)
	DPTTemperature DPT = "9.001" // -273 to 670760 °C
	DPTLux         DPT = "9.004" // 0 to 670760 lux
	DPTSpeed       DPT = "9.005" // m/s
	DPTHumidity    DPT = "9.007" // 0-100%
	DPTAirQuality  DPT = "9.008" // ppm
	DPTRainAmount  DPT = "9.026" // l/m²

	// 4-byte float types (DPT 14.xxx)
	DPTAcceleration   DPT = "14.000" // m/s²
	DPTPower          DPT = "14.056" // W
	DPTTempDifference DPT = "14.070" // K

	// 14-byte string types (DPT 16.xxx)
	DPTStringASCII  DPT = "16.000" // 7-bit ASCII
	DPTString8859_1 DPT = "16.001" //nolint:revive // ISO-8859-1

	// 1-byte scene types (DPT 17/18.xxx)
	DPTSceneNumber  DPT = "17.001" // 0-63 scene number
	DPTSceneControl DPT = "18.001" // Scene + learn bit

	// 3-byte colour types (DPT 232.xxx)
	DPTColourRGB DPT = "232.600" // R, G, B
)

// Supported DPT main numbers.
const (
	dptMainBool     = 1
	dptMainControl  = 3
	dptMainUnsigned = 5
	dptMainFloat2   = 9
	dptMainFloat4   = 14
	dptMainString   = 16
	dptMainScene    = 17
	dptMainSceneCtl = 18
	dptMainRGB      = 232
)

// ParseDPT validates a "major.minor" datapoint type identifier, checks that
// the codec supports its main number and returns it in canonical form, with
// a three-digit sub number: " 5.1" becomes "5.001".
func ParseDPT(s string) (DPT, error) {
	main, sub, err := DPT(s).split()
	if err != nil {
		return "", err
	}
	switch main {
	case dptMainBool, dptMainControl, dptMainUnsigned, dptMainFloat2, dptMainFloat4,
		dptMainString, dptMainScene, dptMainSceneCtl, dptMainRGB:
		return DPT(fmt.Sprintf("%d.%03d", main, sub)), nil
	default:
		return "", fmt.Errorf("%w: unsupported main number %d in %q", ErrInvalidDPT, main, s)
	}
}

// Main returns the main number (e.g. 9 for "9.001"), or 0 if malformed.
func (d DPT) Main() int {
	main, _, err := d.split()
	if err != nil {
		return 0
	}
	return main
}

// Sub returns the sub number (e.g. 1 for "9.001"), or -1 if malformed.
func (d DPT) Sub() int {
	_, sub, err := d.split()
	if err != nil {
		return -1
	}
	return sub
}

func (d DPT) split() (main, sub int, err error) {
	majorStr, minorStr, ok := strings.Cut(strings.TrimSpace(string(d)), ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: expected major.minor, got %q", ErrInvalidDPT, string(d))
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major <= 0 {
		return 0, 0, fmt.Errorf("%w: bad main number in %q", ErrInvalidDPT, string(d))
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 {
		return 0, 0, fmt.Errorf("%w: bad sub number in %q", ErrInvalidDPT, string(d))
	}
	return major, minor, nil
}

// ─── DPT1 ──────────────────────────────────────────────────────────

// EncodeDPT1 encodes a boolean value to 1-bit KNX format.
//
// Used for: switch, bool, enable, step, up/down, open/close, start, trigger
func EncodeDPT1(value bool) []byte {
	if value {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeDPT1 decodes a 1-bit KNX value to boolean.
func DecodeDPT1(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("%w: DPT1 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return (data[0] & 0x01) != 0, nil
}

// ─── DPT3 ──────────────────────────────────────────────────────────

// Control is a DPT3 dimming/blind control value: a direction bit plus a
// 3-bit step code. Steps 0 means stop; 1-7 select the step interval.
type Control struct {
	Increase bool
	Steps    uint8
}

// ControlFromStep builds a Control from a signed step: positive increases,
// negative decreases, zero stops. The magnitude must be 0-7.
func ControlFromStep(step int) (Control, error) {
	if step < -dpt3MaxSteps || step > dpt3MaxSteps {
		return Control{}, fmt.Errorf("%w: DPT3 step must be -%d..%d, got %d", ErrEncodingFailed, dpt3MaxSteps, dpt3MaxSteps, step)
	}
	if step < 0 {
		return Control{Increase: false, Steps: uint8(-step)}, nil //nolint:gosec // bounded above
	}
	return Control{Increase: true, Steps: uint8(step)}, nil //nolint:gosec // bounded above
}

// Step returns the signed step (positive for increase).
func (c Control) Step() int {
	if c.Increase {
		return int(c.Steps)
	}
	return -int(c.Steps)
}

// String returns "+3", "-1" or "0" style text.
func (c Control) String() string {
	if c.Steps == 0 {
		return "0"
	}
	return fmt.Sprintf("%+d", c.Step())
}

// EncodeDPT3 encodes a dimming/blind control value.
//
// Returns ErrEncodingFailed if steps is outside 0-7.
func EncodeDPT3(increase bool, steps uint8) ([]byte, error) {
	if steps > dpt3MaxSteps {
		return nil, fmt.Errorf("%w: DPT3 steps must be 0-%d, got %d", ErrEncodingFailed, dpt3MaxSteps, steps)
	}
	var value byte
	if increase {
		value = 0x08 // Bit 3 = direction (1=increase)
	}
	value |= steps // Bits 0-2 = steps
	return []byte{value}, nil
}

// DecodeDPT3 decodes a dimming/blind control value.
func DecodeDPT3(data []byte) (increase bool, steps uint8, err error) {
	if len(data) < 1 {
		return false, 0, fmt.Errorf("%w: DPT3 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	increase = (data[0] & 0x08) != 0
	steps = data[0] & 0x07
	return increase, steps, nil
}

// ─── DPT5 ──────────────────────────────────────────────────────────

// EncodeDPT5 encodes a percentage (0-100) to 1-byte KNX format.
//
// DPT 5.001: Scales 0-100% to 0-255, rounding half away from zero.
// Values outside 0-100 are rejected.
func EncodeDPT5(percent float64) ([]byte, error) {
	if math.IsNaN(percent) || percent < 0 || percent > dpt5PercentMax {
		return nil, fmt.Errorf("%w: DPT5.001 value must be 0-%d, got %v", ErrEncodingFailed, dpt5PercentMax, percent)
	}
	return []byte{uint8(math.Round(percent * dpt5MaxValue / dpt5PercentMax))}, nil
}

// DecodeDPT5 decodes a 1-byte KNX value to percentage (0-100).
func DecodeDPT5(data []byte) (float64, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return float64(data[0]) * dpt5PercentMax / dpt5MaxValue, nil
}

// EncodeDPT5Angle encodes an angle (0-360) to 1-byte KNX format.
func EncodeDPT5Angle(angle float64) ([]byte, error) {
	if math.IsNaN(angle) || angle < 0 || angle > dpt5AngleMax {
		return nil, fmt.Errorf("%w: DPT5.003 value must be 0-%d, got %v", ErrEncodingFailed, dpt5AngleMax, angle)
	}
	return []byte{uint8(math.Round(angle * dpt5MaxValue / dpt5AngleMax))}, nil
}

// DecodeDPT5Angle decodes a 1-byte KNX value to angle (0-360).
func DecodeDPT5Angle(data []byte) (float64, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 angle requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return float64(data[0]) * dpt5AngleMax / dpt5MaxValue, nil
}

// EncodeDPT5Raw encodes an unscaled 0-255 value.
func EncodeDPT5Raw(value int) ([]byte, error) {
	if value < 0 || value > dpt5MaxValue {
		return nil, fmt.Errorf("%w: DPT5 raw value must be 0-%d, got %d", ErrEncodingFailed, dpt5MaxValue, value)
	}
	return []byte{byte(value)}, nil
}

// DecodeDPT5Raw decodes an unscaled 0-255 value.
func DecodeDPT5Raw(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT5 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return int(data[0]), nil
}

// EncodeUnsigned encodes an integer for any DPT 5.xxx type. 5.001 takes a
// percentage, 5.003 an angle, everything else the raw byte value.
func EncodeUnsigned(dpt DPT, value int) ([]byte, error) {
	dpt, err := ParseDPT(string(dpt))
	if err != nil {
		return nil, err
	}
	if dpt.Main() != dptMainUnsigned {
		return nil, fmt.Errorf("%w: %q is not an unsigned 8-bit type", ErrInvalidDPT, string(dpt))
	}
	switch dpt {
	case DPTPercentage:
		return EncodeDPT5(float64(value))
	case DPTAngle:
		return EncodeDPT5Angle(float64(value))
	default:
		return EncodeDPT5Raw(value)
	}
}

// DecodeUnsigned decodes any DPT 5.xxx payload to an integer in the
// application range. Scaled types round to the nearest integer, so every
// integer percentage or angle written with EncodeUnsigned reads back
// unchanged.
func DecodeUnsigned(dpt DPT, data []byte) (int, error) {
	dpt, err := ParseDPT(string(dpt))
	if err != nil {
		return 0, err
	}
	if dpt.Main() != dptMainUnsigned {
		return 0, fmt.Errorf("%w: %q is not an unsigned 8-bit type", ErrInvalidDPT, string(dpt))
	}
	switch dpt {
	case DPTPercentage:
		v, err := DecodeDPT5(data)
		return int(math.Round(v)), err
	case DPTAngle:
		v, err := DecodeDPT5Angle(data)
		return int(math.Round(v)), err
	default:
		return DecodeDPT5Raw(data)
	}
}

// ─── DPT9 ──────────────────────────────────────────────────────────

// EncodeDPT9 encodes a float value to 2-byte KNX floating point format.
//
// Used for: temperature, lux, humidity, etc.
//
// KNX 2-byte float format:
//
//	Byte 0: SEEE EMMM (Sign, Exponent, Mantissa high)
//	Byte 1: MMMM MMMM (Mantissa low)
//
// Value = (0.01 × Mantissa) × 2^Exponent, mantissa is 12-bit two's
// complement. The smallest exponent that fits is chosen and the mantissa is
// rounded, so decoding reproduces the value within 0.01 × 2^Exponent / 2.
func EncodeDPT9(value float64) ([]byte, error) {
	if math.IsNaN(value) || value < dpt9Min || value > dpt9Max {
		return nil, fmt.Errorf("%w: DPT9 value out of range: %v (valid: %.2f to %.2f)", ErrEncodingFailed, value, dpt9Min, dpt9Max)
	}

	scaled := value * 100
	exp := 0
	mantissa := math.Round(scaled)
	for mantissa < -2048 || mantissa > 2047 {
		exp++
		mantissa = math.Round(scaled / float64(int(1)<<exp))
	}
	if exp > dpt9MaxExponent {
		return nil, fmt.Errorf("%w: DPT9 exponent overflow for value %.2f", ErrEncodingFailed, value)
	}

	m := int16(mantissa)
	encoded := uint16(exp)<<11 | uint16(m)&dpt9MantissaMask //nolint:gosec // exp ≤ 15, mantissa 12-bit
	if m < 0 {
		encoded |= 0x8000
	}
	if encoded == dpt9Invalid {
		return nil, fmt.Errorf("%w: DPT9 value %.2f encodes to the reserved invalid-data value", ErrEncodingFailed, value)
	}
	return []byte{byte(encoded >> byteShift), byte(encoded)}, nil
}

// DecodeDPT9 decodes a 2-byte KNX floating point value.
func DecodeDPT9(data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: DPT9 requires 2 bytes, got %d", ErrDecodingFailed, len(data))
	}

	raw := uint16(data[0])<<8 | uint16(data[1])
	if raw == dpt9Invalid {
		return 0, fmt.Errorf("%w: DPT9 invalid value 0x7FFF (sensor error or not available)", ErrDecodingFailed)
	}

	sign := (raw & 0x8000) != 0
	exp := (raw >> 11) & 0x0F
	mantissa := int16(raw & dpt9MantissaMask) //nolint:gosec // 11-bit value fits in int16
	if sign {
		mantissa |= -0x800 // Sign extend (0xF800 as int16 = -2048)
	}

	return float64(mantissa) * math.Pow(2, float64(exp)) / 100, nil
}

// ─── DPT14 ─────────────────────────────────────────────────────────

// EncodeDPT14 encodes an IEEE 754 single-precision float (big-endian).
func EncodeDPT14(value float32) []byte {
	buf := make([]byte, dpt14Bytes)
	binary.BigEndian.PutUint32(buf, math.Float32bits(value))
	return buf
}

// DecodeDPT14 decodes a 4-byte IEEE 754 float. It is the exact inverse of
// EncodeDPT14.
func DecodeDPT14(data []byte) (float32, error) {
	if len(data) < dpt14Bytes {
		return 0, fmt.Errorf("%w: DPT14 requires %d bytes, got %d", ErrDecodingFailed, dpt14Bytes, len(data))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data)), nil
}

// ─── DPT16 ─────────────────────────────────────────────────────────

// EncodeDPT16 encodes a string into the fixed 14-byte DPT16 field, left
// justified and zero padded. With latin1 false only 7-bit ASCII is accepted
// (16.000); with latin1 true any ISO-8859-1 character is (16.001).
func EncodeDPT16(s string, latin1 bool) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: DPT16 value is not valid UTF-8", ErrEncodingFailed)
	}
	limit := rune(0x7F)
	if latin1 {
		limit = 0xFF
	}

	buf := make([]byte, dpt16Length)
	n := 0
	for _, r := range s {
		if r > limit {
			return nil, fmt.Errorf("%w: DPT16 character %q not representable", ErrEncodingFailed, r)
		}
		if n == dpt16Length {
			return nil, fmt.Errorf("%w: DPT16 string exceeds %d characters: %q", ErrEncodingFailed, dpt16Length, s)
		}
		buf[n] = byte(r)
		n++
	}
	return buf, nil
}

// DecodeDPT16 decodes a DPT16 field, dropping the trailing zero padding.
// Shorter payloads are accepted; bytes are mapped 1:1 to ISO-8859-1 runes.
func DecodeDPT16(data []byte, latin1 bool) (string, error) {
	if len(data) > dpt16Length {
		return "", fmt.Errorf("%w: DPT16 payload of %d bytes exceeds %d", ErrDecodingFailed, len(data), dpt16Length)
	}
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}

	var b strings.Builder
	for _, c := range data[:end] {
		if !latin1 && c > 0x7F {
			return "", fmt.Errorf("%w: DPT16.000 byte 0x%02X is not ASCII", ErrDecodingFailed, c)
		}
		b.WriteRune(rune(c))
	}
	return b.String(), nil
}

// ─── DPT17 / DPT18 ─────────────────────────────────────────────────

// EncodeDPT17 encodes a scene number (0-63) to 1-byte format.
func EncodeDPT17(scene uint8) ([]byte, error) {
	if scene > dpt17MaxScene {
		return nil, fmt.Errorf("%w: DPT17 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, scene)
	}
	return []byte{scene & dpt17SceneMask}, nil
}

// DecodeDPT17 decodes a scene number from 1-byte format.
func DecodeDPT17(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: DPT17 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return data[0] & dpt17SceneMask, nil
}

// SceneControl is a DPT18 value: a scene number and the learn flag.
type SceneControl struct {
	Scene uint8
	Learn bool
}

// EncodeDPT18 encodes a scene control value.
func EncodeDPT18(scene uint8, learn bool) ([]byte, error) {
	if scene > dpt17MaxScene {
		return nil, fmt.Errorf("%w: DPT18 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, scene)
	}
	value := scene & dpt17SceneMask
	if learn {
		value |= 0x80
	}
	return []byte{value}, nil
}

// DecodeDPT18 decodes a scene control value.
func DecodeDPT18(data []byte) (scene uint8, learn bool, err error) {
	if len(data) < 1 {
		return 0, false, fmt.Errorf("%w: DPT18 requires 1 byte, got %d", ErrDecodingFailed, len(data))
	}
	return data[0] & dpt17SceneMask, (data[0] & 0x80) != 0, nil
}

// ─── DPT232 ────────────────────────────────────────────────────────

// RGB represents an RGB colour value.
type RGB struct {
	R uint8
	G uint8
	B uint8
}

// EncodeDPT232 encodes an RGB colour to 3-byte format.
func EncodeDPT232(rgb RGB) []byte {
	return []byte{rgb.R, rgb.G, rgb.B}
}

// DecodeDPT232 decodes a 3-byte RGB colour value.
func DecodeDPT232(data []byte) (RGB, error) {
	if len(data) < dptRGBBytes {
		return RGB{}, fmt.Errorf("%w: DPT232 requires %d bytes, got %d", ErrDecodingFailed, dptRGBBytes, len(data))
	}
	return RGB{R: data[0], G: data[1], B: data[2]}, nil
}
