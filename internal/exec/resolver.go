package exec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResolveArgs evaluates a node's args against the context variables. A JSON
// string literal beginning with '$' is a reference expression: the variable
// name optionally followed by a dotted/indexed path into its value
// ("$hits.0.url"). Everything else passes through as decoded JSON. Pure:
// no I/O, no context mutation.
func ResolveArgs(nodeID string, args map[string]json.RawMessage, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for key, raw := range args {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.HasPrefix(s, "$") {
			v, err := ResolveRef(s, vars)
			if err != nil {
				return nil, &ArgumentResolutionError{Node: nodeID, Ref: s, Msg: err.Error()}
			}
			out[key] = v
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &ArgumentResolutionError{Node: nodeID, Ref: key, Msg: err.Error()}
		}
		out[key] = v
	}
	return out, nil
}

// ResolveRef resolves a "$name.path" reference expression.
func ResolveRef(ref string, vars map[string]any) (any, error) {
	expr := strings.TrimPrefix(ref, "$")
	if expr == "" {
		return nil, fmt.Errorf("empty reference")
	}
	segs := strings.Split(expr, ".")
	root, ok := vars[segs[0]]
	if !ok {
		return nil, fmt.Errorf("variable %q not bound", segs[0])
	}
	return Traverse(root, segs[1:])
}

// Traverse walks a dotted/indexed path into a decoded JSON value. A numeric
// segment indexes a list; any other segment keys into an object.
func Traverse(v any, path []string) (any, error) {
	cur := v
	for i, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("path %q not found at segment %d", strings.Join(path, "."), i)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("segment %q is not an index into a list", seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(node))
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("cannot traverse %q through scalar at segment %d", seg, i)
		}
	}
	return cur, nil
}
