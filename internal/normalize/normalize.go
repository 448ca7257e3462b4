// Package normalize turns source column values into scalars that survive the
// trip to the edge database and to JSON export files.
package normalize

import (
	"bytes"
	"database/sql/driver"
	"math"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// TimeLayout is the textual form timestamps take on the edge side
const TimeLayout = "2006-01-02 15:04:05"

// Value converts a single field into a transport-safe scalar.
// Timestamps become strings, NaN and infinities become nil, pointers are
// dereferenced and driver.Valuer types (sql.NullString and friends) are unwrapped.
func Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.Format(TimeLayout)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		return Value(float64(x))
	case []byte:
		return string(x)
	case driver.Valuer:
		val, err := x.Value()
		if err != nil {
			return nil
		}
		return Value(val)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return Value(rv.Elem().Interface())
	}
	return v
}

// Params normalizes a positional parameter list
func Params(vals ...any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = Value(v)
	}
	return out
}

// Record is a row rendered as a JSON object whose keys keep column order
type Record struct {
	Columns []string
	Values  []any
}

// MarshalJSON writes the record with normalized values
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var val any
		if i < len(r.Values) {
			val = Value(r.Values[i])
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
