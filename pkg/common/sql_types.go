package common

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tryParseDT parses a string into a time.Time, accepting the date/time
// shapes the supported drivers emit for timestamp, date, and time columns.
func tryParseDT(str string) (time.Time, error) {
	var lasterror error
	tryFormats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"15:04:05.000",
		"15:04:05",
		"15:04",
	}
	for _, f := range tryFormats {
		tx, err := time.Parse(f, str)
		if err == nil {
			return tx, nil
		}
		lasterror = err
	}
	return time.Time{}, lasterror
}

// SqlNull is a nullable scan target like sql.Null[T], with a second
// parsing pass for drivers that hand back numerics and dates as strings
// (sqlite in particular).
type SqlNull[T any] struct {
	Val   T
	Valid bool
}

// Scan implements sql.Scanner.
func (n *SqlNull[T]) Scan(value any) error {
	if value == nil {
		n.Valid = false
		n.Val = *new(T)
		return nil
	}

	var sqlNull sql.Null[T]
	if err := sqlNull.Scan(value); err == nil {
		n.Val = sqlNull.V
		n.Valid = sqlNull.Valid
		return nil
	}

	switch v := value.(type) {
	case string:
		return n.fromString(v)
	case []byte:
		return n.fromString(string(v))
	default:
		return n.fromString(fmt.Sprintf("%v", value))
	}
}

func (n *SqlNull[T]) fromString(s string) error {
	s = strings.TrimSpace(s)
	n.Valid = false
	n.Val = *new(T)

	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}

	var zero T
	switch any(zero).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			reflect.ValueOf(&n.Val).Elem().SetInt(i)
			n.Valid = true
		}
	case float32, float64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			reflect.ValueOf(&n.Val).Elem().SetFloat(f)
			n.Valid = true
		}
	case bool:
		if b, err := strconv.ParseBool(s); err == nil {
			n.Val = any(b).(T)
			n.Valid = true
		}
	case time.Time:
		if t, err := tryParseDT(s); err == nil && !t.IsZero() {
			n.Val = any(t).(T)
			n.Valid = true
		}
	case uuid.UUID:
		if u, err := uuid.Parse(s); err == nil {
			n.Val = any(u).(T)
			n.Valid = true
		}
	case string:
		n.Val = any(s).(T)
		n.Valid = true
	}
	return nil
}

// Value implements driver.Valuer.
func (n SqlNull[T]) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return any(n.Val), nil
}

// MarshalJSON implements json.Marshaler.
func (n SqlNull[T]) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Val)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *SqlNull[T]) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" || strings.TrimSpace(string(b)) == "" {
		n.Valid = false
		n.Val = *new(T)
		return nil
	}

	var val T
	if err := json.Unmarshal(b, &val); err == nil {
		n.Val = val
		n.Valid = true
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return n.fromString(s)
	}

	return fmt.Errorf("cannot unmarshal %s into SqlNull[%T]", b, n.Val)
}

// String implements fmt.Stringer; invalid values print empty.
func (n SqlNull[T]) String() string {
	if !n.Valid {
		return ""
	}
	return fmt.Sprintf("%v", n.Val)
}

type (
	SqlInt64   = SqlNull[int64]
	SqlFloat64 = SqlNull[float64]
	SqlBool    = SqlNull[bool]
	SqlString  = SqlNull[string]
	SqlUUID    = SqlNull[uuid.UUID]
)

// SqlTimeStamp is a nullable timestamp serialized as YYYY-MM-DDTHH:MM:SS.
// Zero and year-1 sentinel values collapse to null.
type SqlTimeStamp struct{ SqlNull[time.Time] }

func (t SqlTimeStamp) MarshalJSON() ([]byte, error) {
	if !t.Valid || t.Val.IsZero() || t.Val.Before(time.Date(0002, 1, 1, 0, 0, 0, 0, time.UTC)) {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf(`"%s"`, t.Val.Format("2006-01-02T15:04:05"))), nil
}

func (t *SqlTimeStamp) UnmarshalJSON(b []byte) error {
	if err := t.SqlNull.UnmarshalJSON(b); err != nil {
		return err
	}
	if t.Valid && (t.Val.IsZero() || t.Val.Format("2006-01-02T15:04:05") == "0001-01-01T00:00:00") {
		t.Valid = false
	}
	return nil
}

func (t SqlTimeStamp) Value() (driver.Value, error) {
	if !t.Valid || t.Val.IsZero() || t.Val.Before(time.Date(0002, 1, 1, 0, 0, 0, 0, time.UTC)) {
		return nil, nil
	}
	return t.Val.Format("2006-01-02T15:04:05"), nil
}

// SqlDate is a nullable date-only value serialized as YYYY-MM-DD.
type SqlDate struct{ SqlNull[time.Time] }

func (d SqlDate) MarshalJSON() ([]byte, error) {
	if !d.Valid || d.Val.IsZero() {
		return []byte("null"), nil
	}
	s := d.Val.Format("2006-01-02")
	if strings.HasPrefix(s, "0001-01-01") {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf(`"%s"`, s)), nil
}

func (d *SqlDate) UnmarshalJSON(b []byte) error {
	if err := d.SqlNull.UnmarshalJSON(b); err != nil {
		return err
	}
	if d.Valid && d.Val.Format("2006-01-02") <= "0001-01-01" {
		d.Valid = false
	}
	return nil
}

func (d SqlDate) Value() (driver.Value, error) {
	if !d.Valid || d.Val.IsZero() {
		return nil, nil
	}
	s := d.Val.Format("2006-01-02")
	if s <= "0001-01-01" {
		return nil, nil
	}
	return s, nil
}

func (d SqlDate) String() string {
	if !d.Valid {
		return ""
	}
	s := d.Val.Format("2006-01-02")
	if strings.HasPrefix(s, "0001-01-01") {
		return ""
	}
	return s
}

// SqlTime is a nullable time-of-day value serialized as HH:MM:SS.
type SqlTime struct{ SqlNull[time.Time] }

func (t SqlTime) MarshalJSON() ([]byte, error) {
	if !t.Valid || t.Val.IsZero() {
		return []byte("null"), nil
	}
	s := t.Val.Format("15:04:05")
	if s == "00:00:00" {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf(`"%s"`, s)), nil
}

func (t *SqlTime) UnmarshalJSON(b []byte) error {
	if err := t.SqlNull.UnmarshalJSON(b); err != nil {
		return err
	}
	if t.Valid && t.Val.Format("15:04:05") == "00:00:00" {
		t.Valid = false
	}
	return nil
}

func (t SqlTime) Value() (driver.Value, error) {
	if !t.Valid || t.Val.IsZero() {
		return nil, nil
	}
	return t.Val.Format("15:04:05"), nil
}

func (t SqlTime) String() string {
	if !t.Valid {
		return ""
	}
	return t.Val.Format("15:04:05")
}

// SqlJSONB is a nullable JSON column held as raw bytes, so jsonb
// attributes pass through scan/serialize without a decode round trip.
type SqlJSONB []byte

// Scan implements sql.Scanner.
func (n *SqlJSONB) Scan(value any) error {
	if value == nil {
		*n = nil
		return nil
	}
	switch v := value.(type) {
	case string:
		*n = []byte(v)
	case []byte:
		*n = v
	default:
		dat, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value to JSON: %v", err)
		}
		*n = dat
	}
	return nil
}

// Value implements driver.Valuer, rejecting malformed JSON on the way in.
func (n SqlJSONB) Value() (driver.Value, error) {
	if len(n) == 0 {
		return nil, nil
	}
	var js any
	if err := json.Unmarshal(n, &js); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return string(n), nil
}

// MarshalJSON implements json.Marshaler.
func (n SqlJSONB) MarshalJSON() ([]byte, error) {
	if len(n) == 0 {
		return []byte("null"), nil
	}
	var obj any
	if err := json.Unmarshal(n, &obj); err != nil {
		return []byte("null"), nil
	}
	return n, nil
}

// UnmarshalJSON implements json.Unmarshaler; anything that isn't an
// object or array collapses to null.
func (n *SqlJSONB) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" || (!strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[")) {
		*n = nil
		return nil
	}
	*n = b
	return nil
}
