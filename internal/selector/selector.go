// Package selector implements spec.md §4.6.2's dotted/bracketed JSON
// selector syntax used by the http_api and ws_api ingester families:
// dots separate keys, integer-index brackets index into lists, and a
// leading "root" or "." is equivalent to identity. It also accepts a
// full RFC 9535 query (anything starting with "$") and hands that case
// to github.com/theory/jsonpath, which only parses strict `$`-rooted
// queries and rejects the spec's bare dotted form outright.
package selector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/theory/jsonpath"
)

var bracketRe = regexp.MustCompile(`\[(\d+)\]`)

// Select applies sel to root, a JSON value already decoded into Go's
// generic representation (map[string]any, []any, and scalars). A
// selector of "", ".", or "root" returns root unchanged. A missing key
// or out-of-range index returns (nil, nil), matching the dotted-path
// fast path's original "log and leave at zero value" behavior rather
// than failing the whole field.
func Select(root any, sel string) (any, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "." || sel == "root" {
		return root, nil
	}
	if strings.HasPrefix(sel, "$") {
		return selectJSONPath(root, sel)
	}
	return selectDotted(root, sel), nil
}

func selectJSONPath(root any, sel string) (any, error) {
	path, err := jsonpath.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("parse jsonpath %q: %w", sel, err)
	}
	matches := path.Select(root)
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return matches, nil
}

// selectDotted walks root per spec.md:96: a leading "root" or "."
// prefix is stripped, then each "."-separated segment is a map key
// optionally followed by one or more "[n]" list indices.
func selectDotted(root any, sel string) any {
	sel = strings.TrimPrefix(sel, "root")
	sel = strings.TrimPrefix(sel, ".")
	if sel == "" {
		return root
	}

	cur := root
	for _, segment := range strings.Split(sel, ".") {
		if segment == "" {
			continue
		}
		var ok bool
		cur, ok = applySegment(cur, segment)
		if !ok {
			return nil
		}
	}
	return cur
}

// applySegment resolves one dotted-path segment (e.g. "items[0]")
// against cur: an optional map-key lookup followed by zero or more
// bracketed index lookups.
func applySegment(cur any, segment string) (any, bool) {
	key := segment
	var indices []int
	if i := strings.IndexByte(segment, '['); i >= 0 {
		key = segment[:i]
		for _, m := range bracketRe.FindAllStringSubmatch(segment[i:], -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, false
			}
			indices = append(indices, n)
		}
	}

	if key != "" {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	for _, idx := range indices {
		list, ok := cur.([]any)
		if !ok || idx < 0 || idx >= len(list) {
			return nil, false
		}
		cur = list[idx]
	}
	return cur, true
}
