package schema

import (
	"math/big"
	"strconv"

	"github.com/hamba/avro/v2"
	jsoniter "github.com/json-iterator/go"
)

// coerce converts values decoded from JSON request bodies into the Go types
// the Avro encoder expects for s. Values that do not fit are returned as is
// so that the encoder reports the mismatch.
func coerce(s avro.Schema, v any) any {
	if v == nil {
		return nil
	}
	switch sch := s.(type) {
	case *avro.RefSchema:
		return coerce(sch.Schema(), v)
	case *avro.RecordSchema:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k, fv := range m {
			out[k] = fv
		}
		for _, f := range sch.Fields() {
			if fv, ok := m[f.Name()]; ok {
				out[f.Name()] = coerce(f.Type(), fv)
			}
		}
		return out
	case *avro.ArraySchema:
		items, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = coerce(sch.Items(), it)
		}
		return out
	case *avro.MapSchema:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k, mv := range m {
			out[k] = coerce(sch.Values(), mv)
		}
		return out
	case *avro.UnionSchema:
		if sch.Nullable() {
			_, idx := sch.Indices()
			return coerce(sch.Types()[idx], v)
		}
		return v
	case *avro.PrimitiveSchema:
		return coercePrimitive(sch, v)
	}
	return v
}

func coercePrimitive(s *avro.PrimitiveSchema, v any) any {
	switch s.Type() {
	case avro.Int:
		if n, ok := toInt64(v); ok {
			return int(n)
		}
	case avro.Long:
		if n, ok := toInt64(v); ok {
			return n
		}
	case avro.Float:
		if f, ok := toFloat64(v); ok {
			return float32(f)
		}
	case avro.Double:
		if f, ok := toFloat64(v); ok {
			return f
		}
	case avro.Bytes:
		if s.Logical() != nil && s.Logical().Type() == avro.Decimal {
			return toRat(v)
		}
		if str, ok := v.(string); ok {
			return []byte(str)
		}
	}
	return v
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n == float64(int64(n))
	case int:
		return int64(n), true
	case int64:
		return n, true
	case jsoniter.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case jsoniter.Number:
		f, err := n.Float64()
		return f, err == nil
	case *big.Rat:
		f, _ := n.Float64()
		return f, true
	}
	return 0, false
}

func toRat(v any) any {
	switch n := v.(type) {
	case *big.Rat:
		return n
	case float64:
		return new(big.Rat).SetFloat64(n)
	case string:
		if r, ok := new(big.Rat).SetString(n); ok {
			return r
		}
	}
	return v
}
