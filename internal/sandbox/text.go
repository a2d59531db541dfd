package sandbox

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"regexp"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var csvModule = &starlarkstruct.Module{
	Name: "csv",
	Members: starlark.StringDict{
		"reader":      starlark.NewBuiltin("csv.reader", csvReader),
		"dict_reader": starlark.NewBuiltin("csv.dict_reader", csvDictReader),
		"dumps":       starlark.NewBuiltin("csv.dumps", csvDumps),
	},
}

var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"match":   starlark.NewBuiltin("re.match", reMatch(true)),
		"search":  starlark.NewBuiltin("re.search", reMatch(false)),
		"findall": starlark.NewBuiltin("re.findall", reFindall),
		"sub":     starlark.NewBuiltin("re.sub", reSub),
		"split":   starlark.NewBuiltin("re.split", reSplit),
		"escape":  starlark.NewBuiltin("re.escape", reEscape),
	},
}

func csvReader(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	records, err := readCSV(text, delimiter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	rows := make([]starlark.Value, len(records))
	for i, rec := range records {
		cells := make([]starlark.Value, len(rec))
		for j, c := range rec {
			cells[j] = starlark.String(c)
		}
		rows[i] = starlark.NewList(cells)
	}
	return starlark.NewList(rows), nil
}

func csvDictReader(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	records, err := readCSV(text, delimiter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if len(records) == 0 {
		return starlark.NewList(nil), nil
	}
	header := records[0]
	rows := make([]starlark.Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		d := starlark.NewDict(len(header))
		for j, h := range header {
			val := starlark.Value(starlark.None)
			if j < len(rec) {
				val = starlark.String(rec[j])
			}
			_ = d.SetKey(starlark.String(h), val)
		}
		rows = append(rows, d)
	}
	return starlark.NewList(rows), nil
}

func csvDumps(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rows starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &rows); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	it := rows.Iterate()
	defer it.Done()
	var row starlark.Value
	for it.Next(&row) {
		cells, ok := row.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: rows must be sequences, got %s", b.Name(), row.Type())
		}
		var rec []string
		var c starlark.Value
		cit := cells.Iterate()
		for cit.Next(&c) {
			if s, ok := starlark.AsString(c); ok {
				rec = append(rec, s)
			} else {
				rec = append(rec, c.String())
			}
		}
		cit.Done()
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return starlark.String(buf.String()), nil
}

func compilePattern(fn, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern: %w", fn, err)
	}
	return re, nil
}

// reMatch returns a tuple of the whole match and its groups, or None.
// Anchored matching mirrors Python's re.match.
func reMatch(anchored bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pattern, s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
			return nil, err
		}
		if anchored {
			pattern = `^(?:` + pattern + `)`
		}
		re, err := compilePattern(b.Name(), pattern)
		if err != nil {
			return nil, err
		}
		loc := re.FindStringSubmatchIndex(s)
		if loc == nil {
			return starlark.None, nil
		}
		groups := make(starlark.Tuple, len(loc)/2)
		for i := range groups {
			if loc[2*i] < 0 {
				groups[i] = starlark.None
				continue
			}
			groups[i] = starlark.String(s[loc[2*i]:loc[2*i+1]])
		}
		return groups, nil
	}
}

func reFindall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pattern, &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		switch len(m) {
		case 1:
			out = append(out, starlark.String(m[0]))
		case 2:
			out = append(out, starlark.String(m[1]))
		default:
			groups := make(starlark.Tuple, len(m)-1)
			for i, g := range m[1:] {
				groups[i] = starlark.String(g)
			}
			out = append(out, groups)
		}
	}
	return starlark.NewList(out), nil
}

var pyBackref = regexp.MustCompile(`\\(\d+)|\\g<(\w+)>`)

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	count := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &s, "count?", &count); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	tmpl := pyBackref.ReplaceAllString(repl, `$${$1$2}`)
	if count <= 0 {
		return starlark.String(re.ReplaceAllString(s, tmpl)), nil
	}
	n := 0
	out := re.ReplaceAllStringFunc(s, func(m string) string {
		if n >= count {
			return m
		}
		n++
		return re.ReplaceAllString(m, tmpl)
	})
	return starlark.String(out), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	maxsplit := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s, "maxsplit?", &maxsplit); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	n := -1
	if maxsplit > 0 {
		n = maxsplit + 1
	}
	parts := re.Split(s, n)
	out := make([]starlark.Value, len(parts))
	for i, p := range parts {
		out[i] = starlark.String(p)
	}
	return starlark.NewList(out), nil
}

func reEscape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.String(regexp.QuoteMeta(s)), nil
}
