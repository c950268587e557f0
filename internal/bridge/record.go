package bridge

// Record is one JSON object emitted by a script. Accessors report
// whether the field was present with the expected type; callers decide
// per field whether absence is an error.
type Record map[string]any

// String returns a string field.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// Int returns an integer field. JSON numbers decode as float64; values
// with a fractional part do not count.
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case float64:
		n := int(v)
		if float64(n) == v {
			return n, true
		}
	case int:
		return v, true
	}
	return 0, false
}

// Bool returns a boolean field.
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// Strings returns a string-array field. A scalar string counts as a
// one-element array, matching how the scripts emit single results.
func (r Record) Strings(key string) ([]string, bool) {
	switch v := r[key].(type) {
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
