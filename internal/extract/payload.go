package extract

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is a raw event body as delivered by a source.
type Payload map[string]any

// Number returns the first numeric value found under any of keys. Arrays and
// objects count their elements, numeric strings are parsed, booleans are 0/1.
// Missing or unusable values yield 0.
func (p Payload) Number(keys ...string) float64 {
	for _, k := range keys {
		v, ok := p.lookup(k)
		if !ok {
			continue
		}
		if n, ok := toNumber(v); ok {
			return n
		}
	}
	return 0
}

// Count returns the number of distinct non-empty string entries under key,
// or the numeric value when the field is a plain number.
func (p Payload) Count(keys ...string) float64 {
	for _, k := range keys {
		v, ok := p.lookup(k)
		if !ok {
			continue
		}
		list, isList := v.([]any)
		if !isList {
			if n, ok := toNumber(v); ok {
				return n
			}
			continue
		}
		seen := make(map[string]struct{}, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				seen[jsonKey(item)] = struct{}{}
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				seen[s] = struct{}{}
			}
		}
		return float64(len(seen))
	}
	return 0
}

// lookup resolves a dotted path such as "stats.messages".
func (p Payload) lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case []any:
		return float64(len(n)), true
	case map[string]any:
		return float64(len(n)), true
	default:
		return 0, false
	}
}

func jsonKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
