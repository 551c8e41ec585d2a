package api

import (
	"encoding/base64"
	"fmt"

	"github.com/cuemby/docbase/pkg/values"
)

// toJSON renders a values.Value as a plain JSON-native Go value for
// an HTTP response. Unlike pkg/consensus's tagged wire codec (which
// must round-trip int64 vs. float64 and bytes exactly for OCC/index
// correctness), this boundary favors a natural client-facing shape;
// bytes are the one case JSON has no native representation for, so
// they are wrapped as {"$bytes": "<base64>"} to stay distinguishable
// from a string field on the way back in.
func toJSON(v values.Value) interface{} {
	switch v.Kind() {
	case values.KindNull:
		return nil
	case values.KindInt64:
		i, _ := v.AsInt64()
		return i
	case values.KindFloat64:
		f, _ := v.AsFloat64()
		return f
	case values.KindBool:
		b, _ := v.AsBool()
		return b
	case values.KindString:
		s, _ := v.AsString()
		return s
	case values.KindBytes:
		b, _ := v.AsBytes()
		return map[string]interface{}{"$bytes": base64.StdEncoding.EncodeToString(b)}
	case values.KindArray:
		arr, _ := v.AsArray()
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = toJSON(e)
		}
		return out
	case values.KindObject:
		obj, _ := v.AsObject()
		out := make(map[string]interface{}, obj.Len())
		for _, k := range obj.Keys() {
			fv, _ := obj.Get(k)
			out[k] = toJSON(fv)
		}
		return out
	default:
		return nil
	}
}

// fromJSON is toJSON's inverse, used to decode request bodies
// (mutation writes, filter operands) back into values.Value. JSON
// numbers decode to int64 when they carry no fractional part, float64
// otherwise -- encoding/json itself never tells the two apart once a
// request body has been unmarshaled into interface{}.
func fromJSON(v interface{}) (values.Value, error) {
	switch t := v.(type) {
	case nil:
		return values.Null(), nil
	case bool:
		return values.Bool(t), nil
	case string:
		return values.String(t), nil
	case float64:
		if t == float64(int64(t)) {
			return values.Int64(int64(t)), nil
		}
		return values.Float64(t), nil
	case []interface{}:
		out := make([]values.Value, len(t))
		for i, e := range t {
			ev, err := fromJSON(e)
			if err != nil {
				return values.Value{}, err
			}
			out[i] = ev
		}
		return values.Array(out), nil
	case map[string]interface{}:
		if raw, ok := t["$bytes"]; ok && len(t) == 1 {
			s, ok := raw.(string)
			if !ok {
				return values.Value{}, fmt.Errorf("api: $bytes value must be a base64 string")
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return values.Value{}, fmt.Errorf("api: decoding $bytes: %w", err)
			}
			return values.Bytes(b), nil
		}
		obj := values.NewObject()
		for _, k := range sortedKeys(t) {
			fv, err := fromJSON(t[k])
			if err != nil {
				return values.Value{}, err
			}
			obj.Set(k, fv)
		}
		return values.Obj(obj), nil
	default:
		return values.Value{}, fmt.Errorf("api: unsupported JSON value of type %T", v)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
