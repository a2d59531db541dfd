package sandbox

import (
	"math"

	"go.starlark.net/starlark"
)

const (
	// PreviewRows bounds table and series previews.
	PreviewRows = 10
	// CollectionLimit bounds serialized lists, tuples, sets and dicts.
	CollectionLimit = 100
	maxDepth        = 16
)

// Serialize converts a Starlark value into a size-bounded, JSON-safe value.
func Serialize(v starlark.Value) any {
	return serialize(v, 0)
}

func serialize(v starlark.Value, depth int) any {
	if depth > maxDepth {
		return v.String()
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return x.String()
		}
		return f
	case starlark.String:
		return string(x)
	case *Table:
		return x.summary()
	case *Series:
		return x.summary()
	case *starlark.List:
		return serializeIterable(x, depth)
	case starlark.Tuple:
		return serializeIterable(x, depth)
	case *starlark.Set:
		return serializeIterable(x, depth)
	case *starlark.Dict:
		return serializeDict(x, depth)
	default:
		return v.String()
	}
}

func serializeIterable(x starlark.Iterable, depth int) []any {
	out := make([]any, 0)
	it := x.Iterate()
	defer it.Done()
	var elem starlark.Value
	for it.Next(&elem) {
		if len(out) >= CollectionLimit {
			break
		}
		out = append(out, serialize(elem, depth+1))
	}
	return out
}

// serializeDict keeps the first CollectionLimit entries in insertion order.
// A dict keyed only by strings becomes a JSON object; any other dict becomes
// a list of [key, value] pairs so keys such as 1 and "1" stay distinct.
func serializeDict(x *starlark.Dict, depth int) any {
	items := x.Items()
	if len(items) > CollectionLimit {
		items = items[:CollectionLimit]
	}
	stringKeys := true
	for _, item := range items {
		if _, ok := item[0].(starlark.String); !ok {
			stringKeys = false
			break
		}
	}

	if stringKeys {
		out := make(map[string]any, len(items))
		for _, item := range items {
			out[string(item[0].(starlark.String))] = serialize(item[1], depth+1)
		}
		return out
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, []any{serialize(item[0], depth+1), serialize(item[1], depth+1)})
	}
	return out
}
