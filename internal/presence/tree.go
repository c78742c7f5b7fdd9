package presence

import (
	"maps"
	"slices"
)

// clone deep-copies a JSON-like value so callers never alias stored maps.
func clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, c := range m {
		out[k] = clone(c)
	}
	return out
}

// flatten turns a value at path into leaf writes. Empty maps produce nothing.
func flatten(path string, v any, out map[string]any) {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			out[path] = v
		}
		return
	}
	for k, c := range m {
		flatten(path+"/"+k, c, out)
	}
}

// inflate rebuilds a subtree from leaves keyed relative to its root.
func inflate(leaves map[string]any) map[string]any {
	root := make(map[string]any)
	for p, v := range leaves {
		segs := split(p)
		node := root
		for i, s := range segs {
			if i == len(segs)-1 {
				node[s] = v
				break
			}
			next, ok := node[s].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[s] = next
			}
			node = next
		}
	}
	return root
}

// Keys returns the child keys of a subtree value, or nil for leaves.
func Keys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}
