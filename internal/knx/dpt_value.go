package knx

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Compact reports whether values of this type fit in the 6 data bits of the
// APCI byte and are sent as short frames.
func (d DPT) Compact() bool {
	switch d.Main() {
	case dptMainBool, dptMainControl:
		return true
	default:
		return false
	}
}

// Encode converts an application value to its KNX payload for the given
// datapoint type.
//
// Accepted Go types per main number:
//   - 1:   bool (or an integer 0/1)
//   - 3:   Control (or a signed integer step -7..7)
//   - 5:   any integer or float (percentage, angle or raw per sub number)
//   - 9:   any integer or float
//   - 14:  any integer or float representable as float32
//   - 16:  string
//   - 17:  integer scene number
//   - 18:  SceneControl (or an integer scene number)
//   - 232: RGB
//
// Returns ErrInvalidDPT for unsupported types and ErrEncodingFailed when
// the value has the wrong Go type or is outside the type's range.
func Encode(dpt DPT, value any) ([]byte, error) {
	dpt, err := ParseDPT(string(dpt))
	if err != nil {
		return nil, err
	}

	switch dpt.Main() {
	case dptMainBool:
		switch v := value.(type) {
		case bool:
			return EncodeDPT1(v), nil
		default:
			n, err := integer(dpt, value)
			if err != nil {
				return nil, err
			}
			if n != 0 && n != 1 {
				return nil, fmt.Errorf("%w: %s expects 0 or 1, got %d", ErrEncodingFailed, dpt, n)
			}
			return EncodeDPT1(n == 1), nil
		}

	case dptMainControl:
		c, ok := value.(Control)
		if !ok {
			n, err := integer(dpt, value)
			if err != nil {
				return nil, err
			}
			if c, err = ControlFromStep(n); err != nil {
				return nil, err
			}
		}
		return EncodeDPT3(c.Increase, c.Steps)

	case dptMainUnsigned:
		f, err := number(dpt, value)
		if err != nil {
			return nil, err
		}
		switch dpt {
		case DPTPercentage:
			return EncodeDPT5(f)
		case DPTAngle:
			return EncodeDPT5Angle(f)
		default:
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%w: %s expects an integer, got %v", ErrEncodingFailed, dpt, f)
			}
			if f < 0 || f > dpt5MaxValue {
				return nil, fmt.Errorf("%w: %s value must be 0-%d, got %v", ErrEncodingFailed, dpt, dpt5MaxValue, f)
			}
			return EncodeDPT5Raw(int(f))
		}

	case dptMainFloat2:
		f, err := number(dpt, value)
		if err != nil {
			return nil, err
		}
		return EncodeDPT9(f)

	case dptMainFloat4:
		f, err := number(dpt, value)
		if err != nil {
			return nil, err
		}
		if math.IsInf(f, 0) || math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %s value %v exceeds float32 range", ErrEncodingFailed, dpt, f)
		}
		return EncodeDPT14(float32(f)), nil

	case dptMainString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string, got %T", ErrEncodingFailed, dpt, value)
		}
		return EncodeDPT16(s, dpt.Sub() != 0)

	case dptMainScene:
		n, err := integer(dpt, value)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > dpt17MaxScene {
			return nil, fmt.Errorf("%w: DPT17 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, n)
		}
		return EncodeDPT17(uint8(n)) //nolint:gosec // bounded above

	case dptMainSceneCtl:
		sc, ok := value.(SceneControl)
		if !ok {
			n, err := integer(dpt, value)
			if err != nil {
				return nil, err
			}
			if n < 0 || n > dpt17MaxScene {
				return nil, fmt.Errorf("%w: DPT18 scene must be 0-%d, got %d", ErrEncodingFailed, dpt17MaxScene, n)
			}
			sc = SceneControl{Scene: uint8(n)} //nolint:gosec // bounded above
		}
		return EncodeDPT18(sc.Scene, sc.Learn)

	case dptMainRGB:
		rgb, ok := value.(RGB)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an RGB value, got %T", ErrEncodingFailed, dpt, value)
		}
		return EncodeDPT232(rgb), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidDPT, string(dpt))
}

// Decode converts a KNX payload to its application value. The dynamic type
// mirrors Encode: bool, Control, float64 (5.001, 5.003, 9.x), int (other 5.x,
// 17.x), float32 (14.x), string, SceneControl or RGB.
func Decode(dpt DPT, data []byte) (any, error) {
	dpt, err := ParseDPT(string(dpt))
	if err != nil {
		return nil, err
	}

	switch dpt.Main() {
	case dptMainBool:
		return DecodeDPT1(data)
	case dptMainControl:
		inc, steps, err := DecodeDPT3(data)
		if err != nil {
			return nil, err
		}
		return Control{Increase: inc, Steps: steps}, nil
	case dptMainUnsigned:
		switch dpt {
		case DPTPercentage:
			return DecodeDPT5(data)
		case DPTAngle:
			return DecodeDPT5Angle(data)
		default:
			return DecodeDPT5Raw(data)
		}
	case dptMainFloat2:
		return DecodeDPT9(data)
	case dptMainFloat4:
		return DecodeDPT14(data)
	case dptMainString:
		return DecodeDPT16(data, dpt.Sub() != 0)
	case dptMainScene:
		n, err := DecodeDPT17(data)
		return int(n), err
	case dptMainSceneCtl:
		scene, learn, err := DecodeDPT18(data)
		if err != nil {
			return nil, err
		}
		return SceneControl{Scene: scene, Learn: learn}, nil
	case dptMainRGB:
		return DecodeDPT232(data)
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidDPT, string(dpt))
}

// ParseValue parses the textual form of a value and encodes it.
//
// Text forms: "on"/"off"/"true"/"false"/"1"/"0" for DPT1, a signed step
// such as "+3" or "-1" for DPT3, decimal numbers for DPT5/9/14/17, the raw
// text for DPT16, "scene[:learn]" for DPT18 and "#RRGGBB" for DPT232.
func ParseValue(dpt DPT, text string) ([]byte, error) {
	dpt, err := ParseDPT(string(dpt))
	if err != nil {
		return nil, err
	}
	if dpt.Main() == dptMainString {
		return Encode(dpt, text)
	}

	t := strings.TrimSpace(text)
	switch dpt.Main() {
	case dptMainBool:
		switch strings.ToLower(t) {
		case "1", "on", "true", "yes", "enable", "start", "close", "down", "increase":
			return EncodeDPT1(true), nil
		case "0", "off", "false", "no", "disable", "stop", "open", "up", "decrease":
			return EncodeDPT1(false), nil
		}
		return nil, fmt.Errorf("%w: %s cannot parse %q", ErrEncodingFailed, dpt, text)

	case dptMainControl:
		n, err := strconv.Atoi(strings.TrimPrefix(t, "+"))
		if err != nil {
			return nil, fmt.Errorf("%w: %s cannot parse step %q", ErrEncodingFailed, dpt, text)
		}
		return Encode(dpt, n)

	case dptMainSceneCtl:
		sceneStr, learnStr, hasLearn := strings.Cut(t, ":")
		n, err := strconv.Atoi(sceneStr)
		if err != nil || n < 0 || n > dpt17MaxScene {
			return nil, fmt.Errorf("%w: %s cannot parse scene %q", ErrEncodingFailed, dpt, text)
		}
		return EncodeDPT18(uint8(n), hasLearn && strings.EqualFold(learnStr, "learn")) //nolint:gosec // bounded above

	case dptMainRGB:
		hex := strings.TrimPrefix(t, "#")
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil || len(hex) != 6 { //nolint:mnd // RRGGBB
			return nil, fmt.Errorf("%w: %s expects #RRGGBB, got %q", ErrEncodingFailed, dpt, text)
		}
		return EncodeDPT232(RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}), nil //nolint:gosec // 24-bit value
	}

	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s cannot parse number %q", ErrEncodingFailed, dpt, text)
	}
	return Encode(dpt, f)
}

// FormatValue decodes a payload and renders it as text that ParseValue
// accepts back.
func FormatValue(dpt DPT, data []byte) (string, error) {
	v, err := Decode(dpt, data)
	if err != nil {
		return "", err
	}

	switch val := v.(type) {
	case bool:
		if val {
			return "on", nil
		}
		return "off", nil
	case Control:
		return val.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case string:
		return val, nil
	case SceneControl:
		if val.Learn {
			return fmt.Sprintf("%d:learn", val.Scene), nil
		}
		return strconv.Itoa(int(val.Scene)), nil
	case RGB:
		return fmt.Sprintf("#%02X%02X%02X", val.R, val.G, val.B), nil
	}
	return fmt.Sprint(v), nil
}

// number converts any Go numeric value to float64.
func number(dpt DPT, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, fmt.Errorf("%w: %s value is NaN", ErrEncodingFailed, dpt)
		}
		return v, nil
	case float32:
		return number(dpt, float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s expects a number, got %T", ErrEncodingFailed, dpt, value)
	}
}

// integer converts a numeric value to int, rejecting fractional values.
func integer(dpt DPT, value any) (int, error) {
	f, err := number(dpt, value)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s expects an integer, got %v", ErrEncodingFailed, dpt, f)
	}
	return int(f), nil
}
