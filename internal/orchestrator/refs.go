package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// refPattern matches "{result_of: step_2}" and "{result_of: 2}" inside
// parameter strings.
var refPattern = regexp.MustCompile(`\{\s*"?result_of"?\s*:\s*"?(?:step_)?(\d+)"?\s*\}`)

const refKey = "result_of"

func stepID(n int) string {
	return "step_" + strconv.Itoa(n)
}

// parseRefTarget reads the value of a {"result_of": ...} map.
func parseRefTarget(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(t), "step_"))
		return n, err == nil
	case float64:
		return int(t), t == float64(int(t))
	case int:
		return t, true
	}
	return 0, false
}

// findRefs returns the step numbers referenced anywhere in v, ascending.
func findRefs(v any) []int {
	seen := make(map[int]bool)
	walkRefs(v, seen)
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func walkRefs(v any, seen map[int]bool) {
	switch t := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				seen[n] = true
			}
		}
	case map[string]any:
		if target, ok := t[refKey]; ok && len(t) == 1 {
			if n, ok := parseRefTarget(target); ok {
				seen[n] = true
			}
			return
		}
		for _, child := range t {
			walkRefs(child, seen)
		}
	case []any:
		for _, child := range t {
			walkRefs(child, seen)
		}
	}
}

// substituteRefs replaces references in v with upstream payloads. A value
// that is exactly one reference becomes the payload itself; references
// embedded in longer strings are replaced by the payload's text form.
// References lookup cannot resolve are left as they are.
func substituteRefs(v any, lookup func(n int) (any, bool)) any {
	switch t := v.(type) {
	case string:
		if m := refPattern.FindStringSubmatch(strings.TrimSpace(t)); m != nil && m[0] == strings.TrimSpace(t) {
			n, _ := strconv.Atoi(m[1])
			if payload, ok := lookup(n); ok {
				return payload
			}
			return t
		}
		return refPattern.ReplaceAllStringFunc(t, func(match string) string {
			m := refPattern.FindStringSubmatch(match)
			n, _ := strconv.Atoi(m[1])
			if payload, ok := lookup(n); ok {
				return payloadText(payload)
			}
			return match
		})
	case map[string]any:
		if target, ok := t[refKey]; ok && len(t) == 1 {
			if n, ok := parseRefTarget(target); ok {
				if payload, ok := lookup(n); ok {
					return payload
				}
			}
			return t
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = substituteRefs(child, lookup)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = substituteRefs(child, lookup)
		}
		return out
	}
	return v
}

// payloadText renders a payload for inclusion in a string or prompt.
func payloadText(payload any) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(raw)
}
