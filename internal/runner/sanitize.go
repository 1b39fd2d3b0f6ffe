package runner

import (
	"fmt"
	"reflect"
	"sort"
)

// Bounds for recursively sanitised tool inputs. Anything beyond them is
// clipped so a hostile or runaway tool payload cannot blow up persistence
// or the IM reply path.
const (
	sanitizeMaxDepth   = 5
	sanitizeMaxKeys    = 60
	sanitizeMaxItems   = 30
	sanitizeMaxStrLen  = 4000
	truncationSentinel = "...[truncated]"
)

// SanitizeToolInput returns a bounded deep copy of a tool input object.
// It is a fixed point: sanitising an already-sanitised value returns an
// equal value.
func SanitizeToolInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out, _ := sanitizeValue(input, 0, map[uintptr]bool{}).(map[string]any)
	return out
}

func sanitizeValue(v any, depth int, seen map[uintptr]bool) any {
	if v == nil {
		return nil
	}
	if depth > sanitizeMaxDepth {
		return truncationSentinel
	}

	switch val := v.(type) {
	case string:
		return clampString(val, sanitizeMaxStrLen)
	case bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return val
	case uint64:
		// May exceed float64 precision when round-tripped; keep as string.
		return fmt.Sprintf("%d", val)
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return "[circular]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > sanitizeMaxKeys {
			keys = keys[:sanitizeMaxKeys]
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = sanitizeValue(val[k], depth+1, seen)
		}
		return out
	case []any:
		if len(val) == 0 {
			return val
		}
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return "[circular]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		n := len(val)
		if n > sanitizeMaxItems {
			n = sanitizeMaxItems
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = sanitizeValue(val[i], depth+1, seen)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		return "[function]"
	}
	return clampString(fmt.Sprintf("%v", v), sanitizeMaxStrLen)
}

// clampString truncates s to max characters, appending the truncation
// sentinel when it clips. Idempotent: already-clipped strings pass through.
func clampString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-len(truncationSentinel)]) + truncationSentinel
}
