package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// KeySeparator joins the parts of a composite primary key.
const KeySeparator = "+"

// ErrMissingKey is returned when a row lacks one of its key fields.
var ErrMissingKey = errors.New("row is missing key field")

// Row is one server record. Values are whatever encoding/json produces with
// UseNumber: string, json.Number, bool, nil, []any, map[string]any.
type Row map[string]any

// Decode parses a single JSON object into a Row.
func Decode(data []byte) (Row, error) {
	var row Row
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("decode row: not an object")
	}
	return row, nil
}

// DecodeRows parses a JSON array of objects.
func DecodeRows(data []byte) ([]Row, error) {
	var rows []Row
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	for i, r := range rows {
		if r == nil {
			return nil, fmt.Errorf("decode rows: element %d is not an object", i)
		}
	}
	return rows, nil
}

// Encode marshals the row with the standard encoder. Map keys come out
// sorted, which keeps stored bytes stable for identical rows.
func (r Row) Encode() ([]byte, error) {
	data, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return data, nil
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge overlays patch onto a copy of r. Fields absent from patch are kept.
func (r Row) Merge(patch Row) Row {
	out := r.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Key extracts the primary key of r. Composite keys are joined with "+" in
// the order the fields are given, with "+" and "\" inside each part escaped
// by a backslash. A single-field key is the value as is.
func (r Row) Key(fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no key fields")
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			return "", fmt.Errorf("%w %q", ErrMissingKey, f)
		}
		s, err := scalarString(v)
		if err != nil {
			return "", fmt.Errorf("key field %q: %w", f, err)
		}
		parts[i] = s
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	for i, p := range parts {
		parts[i] = keyEscaper.Replace(p)
	}
	return strings.Join(parts, KeySeparator), nil
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, KeySeparator, `\`+KeySeparator)

// String returns field as a string if it is a scalar.
func (r Row) String(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	s, err := scalarString(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// SplitKey is the inverse of Key for composite keys.
func SplitKey(key string, fields []string) (Row, error) {
	if len(fields) == 1 {
		return Row{fields[0]: key}, nil
	}
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(key); i++ {
		switch c := key[i]; {
		case c == '\\' && i+1 < len(key):
			i++
			cur.WriteByte(key[i])
		case c == KeySeparator[0]:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("key %q does not match %d key fields", key, len(fields))
	}
	out := make(Row, len(fields))
	for i, f := range fields {
		out[f] = parts[i]
	}
	return out, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		return json.Number(fmt.Sprintf("%v", val)).String(), nil
	default:
		return "", fmt.Errorf("not a scalar: %T", v)
	}
}
