package crypto

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON bytes: object keys sorted after NFC
// normalization, nulls inside objects dropped, no insignificant whitespace and
// floats in their shortest round-trip form.
//
// v is expected to be the output of json.Unmarshal into an any, or a tree of
// maps, slices and scalars. Structs are rejected; marshal them first.
func Canonicalize(v any) ([]byte, error) {
	enc := canonicalEncoder{}
	if err := enc.value(v); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

type canonicalEncoder struct {
	buf bytes.Buffer
}

func (e *canonicalEncoder) value(v any) error {
	// Types produced by encoding/json skip reflection.
	switch x := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case string:
		return e.str(x)
	case bool:
		e.boolean(x)
		return nil
	case float64:
		return e.float(x, 64)
	case json.Number:
		return e.number(x)
	case map[string]any:
		return e.object(reflect.ValueOf(x))
	case []any:
		return e.array(reflect.ValueOf(x))
	}
	return e.reflected(reflect.ValueOf(v))
}

func (e *canonicalEncoder) reflected(rv reflect.Value) error {
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Invalid:
		e.buf.WriteString("null")
	case reflect.String:
		return e.str(rv.String())
	case reflect.Bool:
		e.boolean(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32:
		return e.float(rv.Float(), 32)
	case reflect.Float64:
		return e.float(rv.Float(), 64)
	case reflect.Map:
		return e.object(rv)
	case reflect.Slice, reflect.Array:
		return e.array(rv)
	default:
		return ErrUnsupportedType
	}
	return nil
}

func (e *canonicalEncoder) boolean(b bool) {
	if b {
		e.buf.WriteString("true")
		return
	}
	e.buf.WriteString("false")
}

func (e *canonicalEncoder) str(s string) error {
	quoted, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	e.buf.Write(quoted)
	return nil
}

func (e *canonicalEncoder) number(n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ErrInvalidNumber
	}
	return e.float(f, 64)
}

// float writes the shortest round-trip form, switching to exponent notation
// outside [1e-6, 1e21) as RFC 8785 does.
func (e *canonicalEncoder) float(f float64, bits int) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrNonFiniteFloat
	}
	if f == 0 {
		e.buf.WriteByte('0')
		return nil
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		e.buf.Write(strconv.AppendFloat(nil, f, 'f', -1, bits))
		return nil
	}
	out := strconv.AppendFloat(nil, f, 'e', -1, bits)
	// Go pads single-digit exponents: 1e-07.
	if n := len(out); n >= 4 && out[n-2] == '0' && (out[n-3] == '-' || out[n-3] == '+') {
		out = append(out[:n-2], out[n-1])
	}
	e.buf.Write(out)
	return nil
}

func (e *canonicalEncoder) object(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	keys := make([]string, 0, rv.Len())
	values := make(map[string]reflect.Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := norm.NFC.String(iter.Key().String())
		if _, dup := values[k]; dup {
			return ErrKeyCollision
		}
		values[k] = iter.Value()
		if isNull(iter.Value()) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.str(k); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.value(values[k].Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *canonicalEncoder) array(rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.value(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// isNull reports whether a map value would encode as null. Such entries are
// left out of objects.
func isNull(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return isNull(rv.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	case reflect.Invalid:
		return true
	}
	return false
}
