package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// convert.go turns raw record values into Go values the pgx codecs encode
// natively for the destination column's declared type. Conversion failures
// reject the whole record (it is counted and reported, never partially
// persisted).

// timestampLayouts are tried in order when parsing date/time values.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// nullWords are string values treated as SQL NULL, the usual artifacts of
// spreadsheet exports and dataframe round-trips.
var nullWords = map[string]bool{
	"": true, "null": true, "none": true, "nan": true, "na": true,
}

// isNullValue reports whether a raw value should persist as NULL.
func isNullValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return nullWords[strings.ToLower(strings.TrimSpace(s))]
	}
	return false
}

// convertValue coerces a raw record value to a Go value matching the
// destination column type.
func convertValue(col Column, v any) (any, error) {
	if isNullValue(v) {
		return nil, nil
	}

	switch col.Type {
	case ColInteger:
		return toInteger(v)
	case ColNumeric:
		return toNumeric(v)
	case ColTimestamp:
		return toTimestamp(v)
	case ColBool:
		return toBool(v)
	case ColUUID:
		u, err := toUUID(v)
		if err != nil {
			return nil, err
		}
		return pgtype.UUID{Bytes: u, Valid: true}, nil
	default:
		return toText(v), nil
	}
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers arrive as float64; render integers without the
		// trailing ".0" pandas-style exports are full of.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInteger(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", t)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toNumeric(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid numeric %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to numeric", v)
	}
}

func toTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(t)))
		if err != nil {
			return false, fmt.Errorf("invalid boolean %q", t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func toUUID(v any) (uuid.UUID, error) {
	s, ok := v.(string)
	if !ok {
		return uuid.UUID{}, fmt.Errorf("cannot convert %T to uuid", v)
	}
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid uuid %q", s)
	}
	return u, nil
}

// rowID extracts and normalizes the "id" column of a record. It returns the
// cleaned string form, or "" when the record carries no usable identity.
func rowID(rec Record) string {
	v, ok := rec["id"]
	if !ok || isNullValue(v) {
		return ""
	}
	if s, sok := v.(string); sok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("%v", v)
}
