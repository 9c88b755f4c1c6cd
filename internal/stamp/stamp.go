// Package stamp normalizes the timestamp representations found in stored
// documents into one comparable value.
//
// Documents written by different clients carry times in different shapes: a
// server-assigned BSON date, an epoch {seconds, nanoseconds} object, a plain
// epoch number or a date string. Every comparison and sort in the engine goes
// through Normalize so a malformed value degrades to Absent instead of
// failing the whole recomputation.
package stamp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Kind tells which representation a Timestamp was built from.
type Kind uint8

const (
	// Absent means the value was missing or could not be interpreted.
	Absent Kind = iota
	// Server is a server-assigned date (BSON date, BSON timestamp, protobuf timestamp).
	Server
	// Epoch is an object or number expressed as seconds (+ nanoseconds) since the epoch.
	Epoch
	// Date is a native time value or a parsable date string.
	Date
)

func (k Kind) String() string {
	switch k {
	case Server:
		return "server"
	case Epoch:
		return "epoch"
	case Date:
		return "date"
	default:
		return "absent"
	}
}

// Timestamp is a normalized point in time tagged with its source representation.
// The zero value is Absent.
type Timestamp struct {
	kind Kind
	t    time.Time
}

// FromTime wraps a native time value.
func FromTime(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{kind: Date, t: t.UTC()}
}

// Kind returns the representation the value was decoded from.
func (ts Timestamp) Kind() Kind { return ts.kind }

// IsZero reports whether the timestamp is Absent.
func (ts Timestamp) IsZero() bool { return ts.kind == Absent }

// Time returns the instant and whether it is present.
func (ts Timestamp) Time() (time.Time, bool) {
	if ts.kind == Absent {
		return time.Time{}, false
	}
	return ts.t, true
}

// UnixMilli returns epoch milliseconds, or 0 when absent. Absent values
// therefore sort before every real instant.
func (ts Timestamp) UnixMilli() int64 {
	if ts.kind == Absent {
		return 0
	}
	return ts.t.UnixMilli()
}

// Compare returns -1, 0 or +1. Absent compares lower than any present value.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.kind == Absent && other.kind == Absent:
		return 0
	case ts.kind == Absent:
		return -1
	case other.kind == Absent:
		return 1
	}
	return ts.t.Compare(other.t)
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool { return ts.Compare(other) > 0 }

// Later returns the later of two timestamps.
func Later(a, b Timestamp) Timestamp {
	if b.After(a) {
		return b
	}
	return a
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds for
// bare numbers. 1e12 ms is September 2001, 1e12 s is far in the future.
const epochMillisThreshold = 1e12

// Normalize converts any supported representation into a Timestamp. It never
// panics; unsupported or malformed input yields an Absent value.
func Normalize(v any) Timestamp {
	switch x := v.(type) {
	case nil:
		return Timestamp{}
	case Timestamp:
		return x
	case *Timestamp:
		if x == nil {
			return Timestamp{}
		}
		return *x
	case time.Time:
		return FromTime(x)
	case *time.Time:
		if x == nil {
			return Timestamp{}
		}
		return FromTime(*x)
	case bson.DateTime:
		return Timestamp{kind: Server, t: x.Time().UTC()}
	case bson.Timestamp:
		if x.T == 0 {
			return Timestamp{}
		}
		return Timestamp{kind: Server, t: time.Unix(int64(x.T), 0).UTC()}
	case *timestamppb.Timestamp:
		if x == nil || x.CheckValid() != nil {
			return Timestamp{}
		}
		return Timestamp{kind: Server, t: x.AsTime().UTC()}
	case bson.M:
		return fromEpochFields(func(k string) (any, bool) { val, ok := x[k]; return val, ok })
	case map[string]any:
		return fromEpochFields(func(k string) (any, bool) { val, ok := x[k]; return val, ok })
	case bson.D:
		return fromEpochFields(func(k string) (any, bool) {
			for _, e := range x {
				if e.Key == k {
					return e.Value, true
				}
			}
			return nil, false
		})
	case bson.Raw:
		return fromEpochFields(func(k string) (any, bool) {
			rv, err := x.LookupErr(k)
			if err != nil {
				return nil, false
			}
			return rawNumber(rv)
		})
	case string:
		return parseString(x)
	case int:
		return fromEpochNumber(float64(x))
	case int32:
		return fromEpochNumber(float64(x))
	case int64:
		return fromEpochNumber(float64(x))
	case float64:
		return fromEpochNumber(x)
	}
	return Timestamp{}
}

func fromEpochFields(get func(string) (any, bool)) Timestamp {
	secs, ok := get("seconds")
	if !ok {
		secs, ok = get("_seconds")
	}
	if !ok {
		return Timestamp{}
	}
	s, ok := toFloat(secs)
	if !ok {
		return Timestamp{}
	}
	var nanos float64
	if n, found := get("nanoseconds"); found {
		nanos, _ = toFloat(n)
	} else if n, found := get("_nanoseconds"); found {
		nanos, _ = toFloat(n)
	}
	if math.IsNaN(s) || math.IsInf(s, 0) || math.IsNaN(nanos) {
		return Timestamp{}
	}
	return Timestamp{kind: Epoch, t: time.Unix(int64(s), int64(nanos)).UTC()}
}

func fromEpochNumber(f float64) Timestamp {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return Timestamp{}
	}
	if f >= epochMillisThreshold {
		return Timestamp{kind: Epoch, t: time.UnixMilli(int64(f)).UTC()}
	}
	sec, frac := math.Modf(f)
	return Timestamp{kind: Epoch, t: time.Unix(int64(sec), int64(frac*1e9)).UTC()}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func parseString(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpochNumber(f)
	}
	return Timestamp{}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func rawNumber(rv bson.RawValue) (any, bool) {
	if v, ok := rv.Int64OK(); ok {
		return v, true
	}
	if v, ok := rv.Int32OK(); ok {
		return v, true
	}
	if v, ok := rv.DoubleOK(); ok {
		return v, true
	}
	if v, ok := rv.StringValueOK(); ok {
		return v, true
	}
	return nil, false
}

// FromRaw normalizes a raw BSON value.
func FromRaw(rv bson.RawValue) Timestamp {
	switch rv.Type {
	case bson.TypeDateTime:
		if ms, ok := rv.DateTimeOK(); ok {
			return Timestamp{kind: Server, t: time.UnixMilli(ms).UTC()}
		}
	case bson.TypeTimestamp:
		if t, i, ok := rv.TimestampOK(); ok {
			return Normalize(bson.Timestamp{T: t, I: i})
		}
	case bson.TypeEmbeddedDocument:
		if doc, ok := rv.DocumentOK(); ok {
			return Normalize(doc)
		}
	case bson.TypeString, bson.TypeInt32, bson.TypeInt64, bson.TypeDouble:
		if v, ok := rawNumber(rv); ok {
			return Normalize(v)
		}
	}
	return Timestamp{}
}

// UnmarshalBSONValue decodes any stored representation. Malformed values
// decode to Absent without an error so the surrounding document still loads.
func (ts *Timestamp) UnmarshalBSONValue(typ byte, data []byte) error {
	*ts = FromRaw(bson.RawValue{Type: bson.Type(typ), Value: data})
	return nil
}

// MarshalJSON renders epoch milliseconds, or null when absent.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.kind == Absent {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, ts.t.UnixMilli(), 10), nil
}

// UnmarshalJSON accepts what MarshalJSON produces, plus anything Normalize
// understands. Unparsable input decodes to Absent.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil || v == nil {
		*ts = Timestamp{}
		return nil
	}
	if f, ok := v.(float64); ok {
		*ts = FromTime(time.UnixMilli(int64(f)))
		return nil
	}
	*ts = Normalize(v)
	return nil
}
