package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Placeholder is the structured stand-in for a value the encoder could not
// handle. It preserves the type identity and a best-effort snapshot of the
// exported fields so the UI can still show something useful.
type Placeholder struct {
	IsPlaceholder    bool               `json:"__placeholder__"`
	TypeName         string             `json:"type_name"`
	Module           string             `json:"module,omitempty"`
	ObjectName       string             `json:"object_name,omitempty"`
	PickleError      string             `json:"pickle_error"`
	Depth            int                `json:"depth"`
	Attributes       map[string]Payload `json:"attributes,omitempty"`
	FailedAttributes map[string]string  `json:"failed_attributes,omitempty"`
}

// payload encodes the placeholder itself. Always succeeds: every field is a
// primitive or a map of primitives.
func (p *Placeholder) payload() Payload {
	b, err := json.Marshal(p)
	if err != nil {
		// Unreachable for well-formed placeholders, but never propagate.
		b = []byte(fmt.Sprintf(`{"__placeholder__":true,"type_name":%q,"pickle_error":%q,"depth":0}`,
			p.TypeName, err.Error()))
	}
	return Payload{CID: ComputeCID(b), Format: FormatPlaceholder, Bytes: b}
}

// DecodePlaceholder parses placeholder-format bytes.
func DecodePlaceholder(b []byte) (*Placeholder, error) {
	var p Placeholder
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode placeholder: %w", err)
	}
	return &p, nil
}

// IsPlaceholderValue detects a placeholder after a format-agnostic decode,
// either as the concrete type or as the JSON mapping with the marker field.
func IsPlaceholderValue(v any) bool {
	switch t := v.(type) {
	case *Placeholder:
		return true
	case Placeholder:
		return true
	case map[string]any:
		marker, ok := t["__placeholder__"].(bool)
		return ok && marker
	}
	return false
}

// visitedSet detects cycles during the degradation walk. Keyed by identity
// (pointer value), local to one Serialize call so the codec stays re-entrant
// on the same goroutine.
type visitedSet struct {
	seen map[uintptr]struct{}
}

func newVisited() *visitedSet {
	return &visitedSet{seen: make(map[uintptr]struct{})}
}

func (s *visitedSet) enter(rv reflect.Value) (revisit bool, leave func()) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.UnsafePointer:
		if rv.IsNil() {
			return false, func() {}
		}
		key := rv.Pointer()
		if _, ok := s.seen[key]; ok {
			return true, func() {}
		}
		s.seen[key] = struct{}{}
		return false, func() { delete(s.seen, key) }
	}
	return false, func() {}
}

// degrade builds a placeholder for a value the encoder rejected, walking one
// level of exported fields per unit of depth.
func degrade(v any, encErr error, depth int, visited *visitedSet) *Placeholder {
	ph := &Placeholder{
		IsPlaceholder: true,
		PickleError:   errText(encErr),
		Depth:         depth,
	}
	if v == nil {
		ph.TypeName = "nil"
		return ph
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()
	ph.TypeName = rt.Name()
	if ph.TypeName == "" {
		ph.TypeName = rt.String()
	}
	ph.Module = pkgPathOf(rt)
	ph.ObjectName = safeObjectName(v)

	revisit, leave := visited.enter(rv)
	if revisit {
		ph.PickleError = "circular reference"
		return ph
	}
	defer leave()

	if depth <= 0 {
		return ph
	}

	elem := rv
	for elem.Kind() == reflect.Pointer && !elem.IsNil() {
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		return ph
	}

	ph.Attributes = make(map[string]Payload)
	ph.FailedAttributes = make(map[string]string)
	et := elem.Type()
	for i := 0; i < et.NumField(); i++ {
		field := et.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		attr, err := safeInterface(elem.Field(i))
		if err != nil {
			ph.FailedAttributes[name] = err.Error()
			continue
		}
		ph.Attributes[name] = serialize(attr, depth-1, visited)
	}
	if len(ph.Attributes) == 0 {
		ph.Attributes = nil
	}
	if len(ph.FailedAttributes) == 0 {
		ph.FailedAttributes = nil
	}
	return ph
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func pkgPathOf(rt reflect.Type) string {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return rt.PkgPath()
}

// safeObjectName renders a short identity for the object. The value's own
// String/Format methods may panic or recursively re-enter the codec, so the
// render is guarded and the result truncated.
func safeObjectName(v any) (name string) {
	defer func() {
		if r := recover(); r != nil {
			name = fmt.Sprintf("<unprintable %T>", v)
		}
	}()
	name = fmt.Sprintf("%v", v)
	if len(name) > 120 {
		name = name[:120] + "..."
	}
	return name
}

func safeInterface(fv reflect.Value) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	if !fv.CanInterface() {
		return nil, fmt.Errorf("unexported field")
	}
	return fv.Interface(), nil
}
