package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// isNull reports whether raw is absent or a JSON null.
func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// FlexibleString converts a scalar JSON value to a string, handling cases where
// LLMs return numbers or booleans instead of strings. Returns empty string for
// null/empty and an error for objects and arrays.
func FlexibleString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal, nil
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == math.Trunc(numVal) && math.Abs(numVal) < 1e15 {
			return strconv.FormatInt(int64(numVal), 10), nil
		}
		return strconv.FormatFloat(numVal, 'g', -1, 64), nil
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return strconv.FormatBool(boolVal), nil
	}

	return "", fmt.Errorf("expected a scalar, got %s", truncate(raw))
}

// FlexibleStringValue is FlexibleString for optional fields: anything that is
// not a scalar yields the empty string.
func FlexibleStringValue(raw json.RawMessage) string {
	s, err := FlexibleString(raw)
	if err != nil {
		return ""
	}
	return s
}

// FlexibleBool accepts true/false, "true"/"yes"/"1" style strings and numbers.
// Null or absent is false.
func FlexibleBool(raw json.RawMessage) (bool, error) {
	if isNull(raw) {
		return false, nil
	}

	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return boolVal, nil
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return numVal != 0, nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		switch strings.ToLower(strings.TrimSpace(strVal)) {
		case "true", "yes", "y", "1":
			return true, nil
		case "false", "no", "n", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("cannot interpret %q as a boolean", strVal)
	}

	return false, fmt.Errorf("expected a boolean, got %s", truncate(raw))
}

// FlexibleInt accepts integers, floats (rounded) and numeric strings.
// Null or absent is zero.
func FlexibleInt(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, nil
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return int64(math.Round(numVal)), nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		strVal = strings.TrimSpace(strVal)
		if strVal == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(strVal, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot interpret %q as a number", strVal)
		}
		return int64(math.Round(f)), nil
	}

	return 0, fmt.Errorf("expected a number, got %s", truncate(raw))
}

// FlexibleStringSlice accepts an array of scalars or a single scalar. Empty
// elements are dropped. Null or absent is nil.
func FlexibleStringSlice(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s, serr := FlexibleString(raw)
		if serr != nil {
			return nil, fmt.Errorf("expected a list of strings, got %s", truncate(raw))
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		s, err := FlexibleString(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FlexibleTime accepts RFC 3339 (and a few looser layouts) or a unix timestamp in
// seconds or milliseconds. Values without a zone are taken as UTC.
func FlexibleTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return unixTime(numVal), nil
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err != nil {
		return time.Time{}, fmt.Errorf("expected a timestamp, got %s", truncate(raw))
	}
	strVal = strings.TrimSpace(strVal)
	if strVal == "" {
		return time.Time{}, nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, strVal); err == nil {
			return t.UTC(), nil
		}
	}
	if f, err := strconv.ParseFloat(strVal, 64); err == nil {
		return unixTime(f), nil
	}
	return time.Time{}, fmt.Errorf("cannot interpret %q as a timestamp", strVal)
}

func unixTime(v float64) time.Time {
	// Anything past year 33658 in seconds is really milliseconds.
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func truncate(raw json.RawMessage) string {
	s := string(bytes.TrimSpace(raw))
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
