package audit

import (
	"encoding/json"
	"fmt"
)

// Details is the free-form key/value bag attached to an event. Values are
// restricted to JSON scalars, nested Details/map[string]any and []any, and the
// validator bounds its depth, property count and encoded size.
type Details map[string]any

// DetailsShape summarises a Details bag for limit checks.
type DetailsShape struct {
	Depth      int
	Properties int
	Bytes      int
}

// Shape walks the bag. Unsupported value types are reported as an error
// naming the offending path.
func (d Details) Shape() (DetailsShape, error) {
	var shape DetailsShape
	if len(d) == 0 {
		return shape, nil
	}
	if err := walkDetails(map[string]any(d), "details", 1, &shape); err != nil {
		return shape, err
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return shape, fmt.Errorf("encode details: %w", err)
	}
	shape.Bytes = len(encoded)
	return shape, nil
}

func walkDetails(v any, path string, depth int, shape *DetailsShape) error {
	if depth > shape.Depth {
		shape.Depth = depth
	}
	switch t := v.(type) {
	case Details:
		return walkDetails(map[string]any(t), path, depth, shape)
	case map[string]any:
		for k, child := range t {
			shape.Properties++
			if err := walkValue(child, path+"."+k, depth, shape); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := walkValue(child, fmt.Sprintf("%s[%d]", path, i), depth, shape); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkValue(v any, path string, depth int, shape *DetailsShape) error {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return nil
	case Details, map[string]any, []any:
		return walkDetails(v, path, depth+1, shape)
	default:
		return fmt.Errorf("%s: unsupported value type %T", path, v)
	}
}

// Clone deep-copies the bag.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Details:
		return t.Clone()
	case map[string]any:
		return map[string]any(Details(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// String returns the value at key when it is a string.
func (d Details) String(key string) string {
	s, _ := d[key].(string)
	return s
}
