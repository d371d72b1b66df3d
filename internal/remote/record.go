package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/domain"
)

// ToRecord converts a struct to its JSON-shaped record. Numbers are kept as
// json.Number so integer and decimal values survive unchanged.
func ToRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("to record: %w", err)
	}
	return rec, nil
}

// Decode converts a record back into T.
func Decode[T any](rec Record) (T, error) {
	var out T
	data, err := json.Marshal(rec)
	if err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// DecodeAll converts every record into T.
func DecodeAll[T any](recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := Decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Clone returns a deep copy of rec.
func Clone(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return map[string]any(Clone(x))
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// StripLocal returns a copy of rec without the given fields.
func StripLocal(rec Record, fields []string) Record {
	out := Clone(rec)
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// ID returns the record's "id" field.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

// TenantID returns the record's "tenant_id" field.
func (r Record) TenantID() string {
	s, _ := r["tenant_id"].(string)
	return s
}

// OrderPayload builds the remote header and item rows for an order, with
// local-only fields removed.
func OrderPayload(o domain.Order) (Record, []Record, error) {
	rec, err := ToRecord(o)
	if err != nil {
		return nil, nil, err
	}
	header := StripLocal(rec, domain.LocalOnlyOrderFields)

	items := make([]Record, 0, len(o.Items))
	for _, li := range o.Items {
		li.OrderID = o.ID
		li.TenantID = o.TenantID
		item, err := ToRecord(li)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, StripLocal(item, domain.LocalOnlyItemFields))
	}
	return header, items, nil
}

// DecimalField reads a numeric field in any of its wire forms. Missing or
// malformed values read as zero.
func DecimalField(rec Record, key string) decimal.Decimal {
	d, _ := toDecimal(rec[key])
	return d
}

// Sum adds delta to a stored numeric value, keeping the stored form: a
// value kept as a string stays a string, anything else becomes a number.
func Sum(existing any, delta decimal.Decimal) any {
	cur, _ := toDecimal(existing)
	next := cur.Add(delta)
	if _, ok := existing.(string); ok {
		return next.String()
	}
	return json.Number(next.String())
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	}
	return decimal.Zero, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case decimal.Decimal, json.Number, float64, int, int64:
		return true
	}
	return false
}

// Equal compares a stored value with a query value. When either side is a
// number both are compared as decimals, so "10.50" equals 10.5.
func Equal(stored, want any) bool {
	if isNumber(stored) || isNumber(want) {
		a, okA := toDecimal(stored)
		b, okB := toDecimal(want)
		return okA && okB && a.Equal(b)
	}
	return ValueString(stored) == ValueString(want)
}

// ValueString renders a scalar the way it is stored as text.
func ValueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	if d, ok := toDecimal(v); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

// Matches reports whether rec satisfies every Where clause.
func Matches(rec Record, where map[string]any) bool {
	for k, want := range where {
		if !Equal(rec[k], want) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits recs in memory.
func Apply(recs []Record, q Query) []Record {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if Matches(rec, q.Where) {
			out = append(out, rec)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compare(a, b any) int {
	if isNumber(a) && isNumber(b) {
		da, _ := toDecimal(a)
		db, _ := toDecimal(b)
		return da.Cmp(db)
	}
	sa, sb := ValueString(a), ValueString(b)
	ta, errA := time.Parse(time.RFC3339Nano, sa)
	tb, errB := time.Parse(time.RFC3339Nano, sb)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(sa, sb)
}
