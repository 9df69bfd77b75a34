package importer

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestConvertValueNulls(t *testing.T) {
	col := Column{Name: "note", Type: ColText}
	for _, v := range []any{nil, "", "null", "NULL", "None", "nan", "NA", "  "} {
		got, err := convertValue(col, v)
		if err != nil {
			t.Errorf("convertValue(%v): %v", v, err)
		}
		if got != nil {
			t.Errorf("convertValue(%#v) = %v, want nil", v, got)
		}
	}
}

func TestConvertValueInteger(t *testing.T) {
	col := Column{Name: "stock_count", Type: ColInteger}

	tests := []struct {
		in      any
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{" 42 ", 42, false},
		{float64(42), 42, false}, // JSON number
		{42, 42, false},
		{"abc", 0, true},
		{float64(42.5), 0, true},
		{"42.5", 0, true},
	}
	for _, tt := range tests {
		got, err := convertValue(col, tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("convertValue(%#v) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("convertValue(%#v): %v", tt.in, err)
			continue
		}
		if got.(int64) != tt.want {
			t.Errorf("convertValue(%#v) = %v, want %d", tt.in, got, tt.want)
		}
	}
}

func TestConvertValueNumeric(t *testing.T) {
	col := Column{Name: "price", Type: ColNumeric}

	if got, err := convertValue(col, "19.99"); err != nil || got.(float64) != 19.99 {
		t.Errorf("convertValue(\"19.99\") = %v, %v", got, err)
	}
	if got, err := convertValue(col, float64(3.5)); err != nil || got.(float64) != 3.5 {
		t.Errorf("convertValue(3.5) = %v, %v", got, err)
	}
	if _, err := convertValue(col, "free"); err == nil {
		t.Error("non-numeric string should fail conversion")
	}
}

func TestConvertValueTimestamp(t *testing.T) {
	col := Column{Name: "shipped_date", Type: ColTimestamp}

	tests := []string{
		"2026-08-31T10:30:00Z",
		"2026-08-31 10:30:00",
		"2026-08-31",
		"08/31/2026",
	}
	for _, in := range tests {
		got, err := convertValue(col, in)
		if err != nil {
			t.Errorf("convertValue(%q): %v", in, err)
			continue
		}
		ts := got.(time.Time)
		if ts.Year() != 2026 || ts.Month() != time.August || ts.Day() != 31 {
			t.Errorf("convertValue(%q) = %v, wrong date", in, ts)
		}
	}

	if _, err := convertValue(col, "not a date"); err == nil {
		t.Error("unparseable timestamp should fail conversion")
	}
}

func TestConvertValueBool(t *testing.T) {
	col := Column{Name: "active", Type: ColBool}

	if got, err := convertValue(col, "true"); err != nil || got.(bool) != true {
		t.Errorf("convertValue(\"true\") = %v, %v", got, err)
	}
	if got, err := convertValue(col, false); err != nil || got.(bool) != false {
		t.Errorf("convertValue(false) = %v, %v", got, err)
	}
	if _, err := convertValue(col, "maybe"); err == nil {
		t.Error("invalid boolean should fail conversion")
	}
}

func TestConvertValueUUID(t *testing.T) {
	col := Column{Name: "owner_id", Type: ColUUID}

	got, err := convertValue(col, "7f9619ff-8b86-4d01-b42d-00cf4fc964ff")
	if err != nil {
		t.Fatalf("convertValue: %v", err)
	}
	u, ok := got.(pgtype.UUID)
	if !ok || !u.Valid {
		t.Fatalf("convertValue = %#v, want valid pgtype.UUID", got)
	}

	if _, err := convertValue(col, "not-a-uuid"); err == nil {
		t.Error("malformed uuid should fail conversion")
	}
}

func TestConvertValueTextRendersJSONNumbers(t *testing.T) {
	col := Column{Name: "sku", Type: ColText}

	// pandas-style exports turn integer columns into floats; the round
	// trip must not leave a trailing ".0" on identifiers.
	if got, _ := convertValue(col, float64(12345)); got.(string) != "12345" {
		t.Errorf("convertValue(12345.0) = %q, want \"12345\"", got)
	}
	if got, _ := convertValue(col, float64(1.5)); got.(string) != "1.5" {
		t.Errorf("convertValue(1.5) = %q, want \"1.5\"", got)
	}
	if got, _ := convertValue(col, "  padded  "); got.(string) != "padded" {
		t.Errorf("convertValue trims whitespace, got %q", got)
	}
}

func TestRowID(t *testing.T) {
	known := "7f9619ff-8b86-4d01-b42d-00cf4fc964ff"

	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"present", Record{"id": known}, known},
		{"padded", Record{"id": "  " + known + "  "}, known},
		{"absent", Record{"name": "x"}, ""},
		{"nil", Record{"id": nil}, ""},
		{"null word", Record{"id": "NULL"}, ""},
		{"empty string", Record{"id": ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rowID(tt.rec); got != tt.want {
				t.Errorf("rowID(%v) = %q, want %q", tt.rec, got, tt.want)
			}
		})
	}
}
