package normalize

import (
	"database/sql"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestValue(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	name := "Corner Shop"
	var nilName *string
	lat := 6.52

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{"nil", nil, nil},
		{"timestamp", ts, "2024-03-05 14:07:09"},
		{"timestamp pointer", &ts, "2024-03-05 14:07:09"},
		{"zero timestamp", time.Time{}, nil},
		{"nan", math.NaN(), nil},
		{"positive infinity", math.Inf(1), nil},
		{"negative infinity", math.Inf(-1), nil},
		{"plain float", 1.5, 1.5},
		{"float pointer", &lat, 6.52},
		{"string pointer", &name, "Corner Shop"},
		{"nil string pointer", nilName, nil},
		{"bytes", []byte("abc"), "abc"},
		{"null string invalid", sql.NullString{}, nil},
		{"null string valid", sql.NullString{String: "x", Valid: true}, "x"},
		{"null float nan", sql.NullFloat64{Float64: math.NaN(), Valid: true}, nil},
		{"null time", sql.NullTime{Time: ts, Valid: true}, "2024-03-05 14:07:09"},
		{"int", int64(42), int64(42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Value(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("Value(%v) = %#v, expected %#v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParams(t *testing.T) {
	got := Params(int64(1), math.NaN(), "a")
	expected := []any{int64(1), nil, "a"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Params() = %#v, expected %#v", got, expected)
	}
}

func TestRecordMarshalKeepsColumnOrder(t *testing.T) {
	rec := Record{
		Columns: []string{"id", "name", "latitude", "timestamp"},
		Values:  []any{int64(7), "Shop", math.NaN(), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	expected := `{"id":7,"name":"Shop","latitude":null,"timestamp":"2024-01-02 03:04:05"}`
	if string(data) != expected {
		t.Errorf("got %s, expected %s", data, expected)
	}
}

func TestSurvey(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected Flags
	}{
		{
			name:     "converted yes",
			payload:  `{"conversion":{"converted":"yes"}}`,
			expected: Flags{Converted: 1, Parsed: true},
		},
		{
			name:     "converted no",
			payload:  `{"conversion":{"converted":"no"}}`,
			expected: Flags{Parsed: true},
		},
		{
			name:     "missing conversion key",
			payload:  `{"bettingInfo":{"isBettingSomewhere":"yes"}}`,
			expected: Flags{AlreadyBetting: 1, Parsed: true},
		},
		{
			name:     "both yes with spacing",
			payload:  `{"conversion": {"converted": "yes"}, "bettingInfo": {"isBettingSomewhere": "yes"}}`,
			expected: Flags{Converted: 1, AlreadyBetting: 1, Parsed: true},
		},
		{
			name:     "truncated payload",
			payload:  `{"conversion":`,
			expected: Flags{},
		},
		{
			name:     "empty payload",
			payload:  "",
			expected: Flags{},
		},
		{
			name:     "json null",
			payload:  "null",
			expected: Flags{},
		},
		{
			name:     "section is not an object",
			payload:  `{"conversion":"yes","bettingInfo":{"isBettingSomewhere":"yes"}}`,
			expected: Flags{},
		},
		{
			name:     "boolean answer is not yes",
			payload:  `{"conversion":{"converted":true}}`,
			expected: Flags{Parsed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Survey(tt.payload)
			if got != tt.expected {
				t.Errorf("Survey(%q) = %+v, expected %+v", tt.payload, got, tt.expected)
			}
		})
	}
}
