package consensus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cuemby/docbase/pkg/values"
)

// jsonValue is the raft-log JSON encoding of a values.Value, the same
// type-tag-plus-payload shape as
// pkg/persistence/boltpersistence/valuejson.go's codec of the same
// name -- duplicated rather than imported because a document's wire
// representation is a log-entry concern this package owns, the same
// reasoning boltpersistence itself gives for not putting this on
// pkg/values.
type jsonValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

type jsonField struct {
	K string    `json:"k"`
	V jsonValue `json:"v"`
}

func encodeValue(v values.Value) (jsonValue, error) {
	switch v.Kind() {
	case values.KindNull:
		return jsonValue{T: "null"}, nil
	case values.KindInt64:
		i, _ := v.AsInt64()
		raw, _ := json.Marshal(i)
		return jsonValue{T: "int64", V: raw}, nil
	case values.KindFloat64:
		f, _ := v.AsFloat64()
		raw, _ := json.Marshal(f)
		return jsonValue{T: "float64", V: raw}, nil
	case values.KindBool:
		b, _ := v.AsBool()
		raw, _ := json.Marshal(b)
		return jsonValue{T: "bool", V: raw}, nil
	case values.KindString:
		s, _ := v.AsString()
		raw, _ := json.Marshal(s)
		return jsonValue{T: "string", V: raw}, nil
	case values.KindBytes:
		b, _ := v.AsBytes()
		raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
		return jsonValue{T: "bytes", V: raw}, nil
	case values.KindArray:
		arr, _ := v.AsArray()
		encoded := make([]jsonValue, len(arr))
		for i, e := range arr {
			jv, err := encodeValue(e)
			if err != nil {
				return jsonValue{}, err
			}
			encoded[i] = jv
		}
		raw, err := json.Marshal(encoded)
		if err != nil {
			return jsonValue{}, err
		}
		return jsonValue{T: "array", V: raw}, nil
	case values.KindObject:
		obj, _ := v.AsObject()
		fields := make([]jsonField, 0, obj.Len())
		for _, k := range obj.Keys() {
			fv, _ := obj.Get(k)
			jv, err := encodeValue(fv)
			if err != nil {
				return jsonValue{}, err
			}
			fields = append(fields, jsonField{K: k, V: jv})
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return jsonValue{}, err
		}
		return jsonValue{T: "object", V: raw}, nil
	default:
		return jsonValue{}, fmt.Errorf("unknown value kind %d", v.Kind())
	}
}

func decodeValue(jv jsonValue) (values.Value, error) {
	switch jv.T {
	case "null":
		return values.Null(), nil
	case "int64":
		var i int64
		if err := json.Unmarshal(jv.V, &i); err != nil {
			return values.Value{}, err
		}
		return values.Int64(i), nil
	case "float64":
		var f float64
		if err := json.Unmarshal(jv.V, &f); err != nil {
			return values.Value{}, err
		}
		return values.Float64(f), nil
	case "bool":
		var b bool
		if err := json.Unmarshal(jv.V, &b); err != nil {
			return values.Value{}, err
		}
		return values.Bool(b), nil
	case "string":
		var s string
		if err := json.Unmarshal(jv.V, &s); err != nil {
			return values.Value{}, err
		}
		return values.String(s), nil
	case "bytes":
		var s string
		if err := json.Unmarshal(jv.V, &s); err != nil {
			return values.Value{}, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return values.Value{}, err
		}
		return values.Bytes(b), nil
	case "array":
		var encoded []jsonValue
		if err := json.Unmarshal(jv.V, &encoded); err != nil {
			return values.Value{}, err
		}
		out := make([]values.Value, len(encoded))
		for i, e := range encoded {
			dv, err := decodeValue(e)
			if err != nil {
				return values.Value{}, err
			}
			out[i] = dv
		}
		return values.Array(out), nil
	case "object":
		var fields []jsonField
		if err := json.Unmarshal(jv.V, &fields); err != nil {
			return values.Value{}, err
		}
		obj := values.NewObject()
		for _, f := range fields {
			dv, err := decodeValue(f.V)
			if err != nil {
				return values.Value{}, err
			}
			obj.Set(f.K, dv)
		}
		return values.Obj(obj), nil
	default:
		return values.Value{}, fmt.Errorf("unknown json value tag %q", jv.T)
	}
}

func documentToJSON(doc *values.Document) jsonValue {
	jv, err := encodeValue(doc.Value())
	if err != nil {
		panic(fmt.Sprintf("encode document: %v", err))
	}
	return jv
}

func documentFromJSON(tablet values.TabletID, id values.InternalID, ts values.Timestamp, raw json.RawMessage) (*values.Document, error) {
	var jv jsonValue
	if err := json.Unmarshal(raw, &jv); err != nil {
		return nil, err
	}
	v, err := decodeValue(jv)
	if err != nil {
		return nil, err
	}
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("document value must decode to an object")
	}
	return &values.Document{
		ID:           values.DocumentID{TabletID: tablet, InternalID: id},
		Fields:       obj,
		CreationTime: ts,
	}, nil
}
