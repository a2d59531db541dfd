package sandbox

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestSerialize_TruncatesCollections(t *testing.T) {
	elems := make([]starlark.Value, 500)
	for i := range elems {
		elems[i] = starlark.MakeInt(i)
	}

	out := Serialize(starlark.NewList(elems)).([]any)

	require.Len(t, out, CollectionLimit)
	for i, v := range out {
		assert.Equal(t, int64(i), v)
	}

	tuple := Serialize(starlark.Tuple(elems)).([]any)
	assert.Len(t, tuple, CollectionLimit)
}

func TestSerialize_DictKeepsFirstKeys(t *testing.T) {
	d := starlark.NewDict(200)
	for i := 0; i < 200; i++ {
		require.NoError(t, d.SetKey(starlark.String(fmt.Sprintf("k%d", i)), starlark.MakeInt(i)))
	}

	out := Serialize(d).(map[string]any)

	assert.Len(t, out, CollectionLimit)
	assert.Equal(t, int64(0), out["k0"])
	assert.Equal(t, int64(99), out["k99"])
	assert.NotContains(t, out, "k100")
}

func TestSerialize_NonStringKeysKeepTypeAndOrder(t *testing.T) {
	d := starlark.NewDict(3)
	require.NoError(t, d.SetKey(starlark.MakeInt(2), starlark.String("int two")))
	require.NoError(t, d.SetKey(starlark.String("1"), starlark.String("string one")))
	require.NoError(t, d.SetKey(starlark.MakeInt(1), starlark.String("int one")))

	out := Serialize(d).([]any)

	assert.Equal(t, []any{
		[]any{int64(2), "int two"},
		[]any{"1", "string one"},
		[]any{int64(1), "int one"},
	}, out)
}

func TestSerialize_NonStringKeyedDictTruncated(t *testing.T) {
	d := starlark.NewDict(200)
	for i := 0; i < 200; i++ {
		require.NoError(t, d.SetKey(starlark.MakeInt(i), starlark.String("v")))
	}

	out := Serialize(d).([]any)

	require.Len(t, out, CollectionLimit)
	assert.Equal(t, []any{int64(0), "v"}, out[0])
	assert.Equal(t, []any{int64(99), "v"}, out[99])
}

func TestSerialize_Primitives(t *testing.T) {
	assert.Nil(t, Serialize(starlark.None))
	assert.Equal(t, true, Serialize(starlark.True))
	assert.Equal(t, int64(7), Serialize(starlark.MakeInt(7)))
	assert.Equal(t, 1.5, Serialize(starlark.Float(1.5)))
	assert.Equal(t, "text", Serialize(starlark.String("text")))
	assert.Equal(t, "+inf", Serialize(starlark.Float(math.Inf(1))))
}

func TestSerialize_NestedAndFallback(t *testing.T) {
	inner := starlark.NewList([]starlark.Value{starlark.MakeInt(1)})
	outer := starlark.NewList([]starlark.Value{inner, starlark.Universe["len"]})

	out := Serialize(outer).([]any)

	assert.Equal(t, []any{int64(1)}, out[0])
	assert.Equal(t, "<built-in function len>", out[1])
}

func TestSerialize_SeriesPreview(t *testing.T) {
	vals := make([]starlark.Value, 25)
	for i := range vals {
		vals[i] = starlark.Float(float64(i) + 0.5)
	}

	out := Serialize(NewSeries("price", vals)).(map[string]any)

	assert.Equal(t, "series", out["type"])
	assert.Equal(t, "price", out["name"])
	assert.Equal(t, 25, out["length"])
	assert.Equal(t, "float64", out["dtype"])
	assert.Len(t, out["preview"], PreviewRows)
}

func TestSerialize_TablePreview(t *testing.T) {
	rows := make([][]starlark.Value, 30)
	for i := range rows {
		rows[i] = []starlark.Value{starlark.MakeInt(i), starlark.String("x")}
	}

	out := Serialize(NewTable([]string{"n", "label"}, rows)).(map[string]any)

	assert.Equal(t, []int{30, 2}, out["shape"])
	assert.Len(t, out["preview"], PreviewRows)
}

func TestModules_TableAndStatistics(t *testing.T) {
	engine := NewEngine()
	code := `
t = table.read_csv("name,score\nann,\"1,200\"\nbob,3.5\ncid,\n")
s = t["score"]
result = {
    "dtype": s.dtype,
    "count": s.count(),
    "sum": s.sum(),
    "max": s.max(),
    "median": statistics.median([3, 1, 2]),
    "mode": statistics.mode(["a", "b", "a"]),
    "stdev": statistics.stdev([2, 4, 4, 4, 5, 5, 7, 9]),
    "len": len(t),
    "head": t.head(1).shape,
    "filtered": t.filter("name", "bob").shape,
}
`
	res := engine.Execute(context.Background(), Request{Code: code})

	require.True(t, res.Success, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, "float64", out["dtype"])
	assert.Equal(t, int64(2), out["count"])
	assert.Equal(t, 1203.5, out["sum"])
	assert.Equal(t, int64(1200), out["max"])
	assert.Equal(t, 2.0, out["median"])
	assert.Equal(t, "a", out["mode"])
	assert.InDelta(t, 2.138, out["stdev"], 0.001)
	assert.Equal(t, int64(3), out["len"])
	assert.Equal(t, []any{int64(1), int64(2)}, out["head"])
	assert.Equal(t, []any{int64(1), int64(2)}, out["filtered"])
}

func TestModules_CSVAndRegex(t *testing.T) {
	engine := NewEngine()
	code := `
rows = csv.dict_reader("a,b\n1,2\n3,4\n")
m = re.match("(\\w+)-(\\d+)", "order-42 rest")
result = {
    "rows": [r["b"] for r in rows],
    "match": m,
    "nomatch": re.match("\\d+", "x1"),
    "search": re.search("\\d+", "x1")[0],
    "sub": re.sub("(\\w)(\\d)", "\\2\\1", "a1 b2"),
    "split": re.split(",\\s*", "a, b,c"),
    "dump": csv.dumps([["x", "y"], [1, 2]]),
}
`
	res := engine.Execute(context.Background(), Request{Code: code})

	require.True(t, res.Success, res.Error)
	out := res.Result.(map[string]any)
	assert.Equal(t, []any{"2", "4"}, out["rows"])
	assert.Equal(t, []any{"order-42", "order", "42"}, out["match"])
	assert.Nil(t, out["nomatch"])
	assert.Equal(t, "1", out["search"])
	assert.Equal(t, "1a 2b", out["sub"])
	assert.Equal(t, []any{"a", "b", "c"}, out["split"])
	assert.Equal(t, "x,y\n1,2\n", out["dump"])
}
