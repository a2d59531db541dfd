package sandbox

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var statisticsModule = &starlarkstruct.Module{
	Name: "statistics",
	Members: starlark.StringDict{
		"mean":      floatFunc("mean", 1, func(xs []float64) float64 { return mean(xs) }),
		"fmean":     floatFunc("fmean", 1, func(xs []float64) float64 { return mean(xs) }),
		"median":    floatFunc("median", 1, median),
		"variance":  floatFunc("variance", 2, func(xs []float64) float64 { return variance(xs, true) }),
		"pvariance": floatFunc("pvariance", 1, func(xs []float64) float64 { return variance(xs, false) }),
		"stdev":     floatFunc("stdev", 2, func(xs []float64) float64 { return math.Sqrt(variance(xs, true)) }),
		"pstdev":    floatFunc("pstdev", 1, func(xs []float64) float64 { return math.Sqrt(variance(xs, false)) }),
		"fsum":      floatFunc("fsum", 0, fsum),
		"mode":      starlark.NewBuiltin("statistics.mode", mode),
	},
}

// floatFunc adapts a reduction over float64 data requiring at least minN
// points.
func floatFunc(name string, minN int, fn func([]float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin("statistics."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var data starlark.Iterable
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
			return nil, err
		}
		xs, err := floats(b.Name(), data)
		if err != nil {
			return nil, err
		}
		if len(xs) < minN {
			return nil, fmt.Errorf("%s requires at least %d data point(s)", b.Name(), minN)
		}
		return starlark.Float(fn(xs)), nil
	})
}

// floats collects numeric values from an iterable, skipping None.
func floats(fn string, data starlark.Iterable) ([]float64, error) {
	var out []float64
	it := data.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		if v == starlark.None {
			continue
		}
		f, ok := starlark.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s: expected numbers, got %s", fn, v.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

func mean(xs []float64) float64 {
	return fsum(xs) / float64(len(xs))
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func variance(xs []float64, sample bool) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	if sample {
		return ss / float64(len(xs)-1)
	}
	return ss / float64(len(xs))
}

// fsum is a Kahan-compensated sum.
func fsum(xs []float64) float64 {
	var sum, c float64
	for _, x := range xs {
		y := x - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return sum
}

// mode returns the most common value, the first seen on ties.
func mode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	counts := starlark.NewDict(0)
	var order []starlark.Value
	it := data.Iterate()
	defer it.Done()
	var v starlark.Value
	for it.Next(&v) {
		cur, found, err := counts.Get(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		n := 0
		if found {
			n, _ = starlark.AsInt32(cur)
		} else {
			order = append(order, v)
		}
		if err := counts.SetKey(v, starlark.MakeInt(n+1)); err != nil {
			return nil, err
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%s: no mode for empty data", b.Name())
	}
	best, bestN := order[0], 0
	for _, k := range order {
		cur, _, _ := counts.Get(k)
		n, _ := starlark.AsInt32(cur)
		if n > bestN {
			best, bestN = k, n
		}
	}
	return best, nil
}
