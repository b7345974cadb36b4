package codec

import (
	"fmt"
	"reflect"
)

// Pretty renders a decoded value as a JSON-safe structure for call records
// and UI display. Primitives pass through, containers recurse, placeholders
// surface as their marker mapping, and everything else falls back to %v.
func Pretty(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	case *Placeholder:
		return placeholderMap(t)
	case Placeholder:
		return placeholderMap(&t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Pretty(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Pretty(e)
		}
		return out
	case error:
		return t.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Pretty(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		for _, key := range rv.MapKeys() {
			out[fmt.Sprintf("%v", key.Interface())] = Pretty(rv.MapIndex(key).Interface())
		}
		return out
	}
	return fmt.Sprintf("%v", v)
}

func placeholderMap(p *Placeholder) map[string]any {
	m := map[string]any{
		"__placeholder__": true,
		"type_name":       p.TypeName,
		"pickle_error":    p.PickleError,
		"depth":           p.Depth,
	}
	if p.Module != "" {
		m["module"] = p.Module
	}
	if p.ObjectName != "" {
		m["object_name"] = p.ObjectName
	}
	if len(p.Attributes) > 0 {
		attrs := make(map[string]any, len(p.Attributes))
		for name, payload := range p.Attributes {
			attrs[name] = Pretty(Deserialize(payload.Bytes, payload.Format))
		}
		m["attributes"] = attrs
	}
	if len(p.FailedAttributes) > 0 {
		m["failed_attributes"] = p.FailedAttributes
	}
	return m
}
