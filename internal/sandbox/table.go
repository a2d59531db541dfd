package sandbox

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

var tableModule = &starlarkstruct.Module{
	Name: "table",
	Members: starlark.StringDict{
		"read_csv":  starlark.NewBuiltin("table.read_csv", tableReadCSV),
		"from_rows": starlark.NewBuiltin("table.from_rows", tableFromRows),
	},
}

// Table is a column-labelled, row-major dataset.
type Table struct {
	columns []string
	rows    [][]starlark.Value
}

var (
	_ starlark.HasAttrs = (*Table)(nil)
	_ starlark.Mapping  = (*Table)(nil)
	_ starlark.Sequence = (*Table)(nil)
)

// NewTable creates a Table. Short rows are padded with None.
func NewTable(columns []string, rows [][]starlark.Value) *Table {
	for i, r := range rows {
		if len(r) < len(columns) {
			padded := make([]starlark.Value, len(columns))
			copy(padded, r)
			for j := len(r); j < len(columns); j++ {
				padded[j] = starlark.None
			}
			rows[i] = padded
		} else if len(r) > len(columns) {
			rows[i] = r[:len(columns)]
		}
	}
	return &Table{columns: columns, rows: rows}
}

func (t *Table) String() string {
	return fmt.Sprintf("table(rows=%d, columns=%s)", len(t.rows), strings.Join(t.columns, ","))
}
func (t *Table) Type() string         { return "table" }
func (t *Table) Freeze()              {}
func (t *Table) Truth() starlark.Bool { return len(t.rows) > 0 }
func (t *Table) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: table")
}
func (t *Table) Len() int { return len(t.rows) }

// Iterate yields each row as a dict keyed by column name.
func (t *Table) Iterate() starlark.Iterator {
	records := make(starlark.Tuple, len(t.rows))
	for i := range t.rows {
		records[i] = t.record(i)
	}
	return records.Iterate()
}

// Get returns the named column as a Series.
func (t *Table) Get(key starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(key)
	if !ok {
		return nil, false, fmt.Errorf("table index must be a column name, got %s", key.Type())
	}
	s, err := t.column(name)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (t *Table) AttrNames() []string {
	return []string{"column", "columns", "filter", "group_sum", "head", "records", "rows", "shape", "sort_by"}
}

func (t *Table) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		vals := make([]starlark.Value, len(t.columns))
		for i, c := range t.columns {
			vals[i] = starlark.String(c)
		}
		return starlark.NewList(vals), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(len(t.rows)), starlark.MakeInt(len(t.columns))}, nil
	case "rows":
		rows := make([]starlark.Value, len(t.rows))
		for i, r := range t.rows {
			rows[i] = starlark.NewList(append([]starlark.Value(nil), r...))
		}
		return starlark.NewList(rows), nil
	case "records":
		recs := make([]starlark.Value, len(t.rows))
		for i := range t.rows {
			recs[i] = t.record(i)
		}
		return starlark.NewList(recs), nil
	case "column":
		return starlark.NewBuiltin("column", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var col string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &col); err != nil {
				return nil, err
			}
			return t.column(col)
		}), nil
	case "head":
		return starlark.NewBuiltin("head", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n := 5
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n?", &n); err != nil {
				return nil, err
			}
			return &Table{columns: t.columns, rows: t.rows[:clamp(n, len(t.rows))]}, nil
		}), nil
	case "sort_by":
		return starlark.NewBuiltin("sort_by", t.sortBy), nil
	case "filter":
		return starlark.NewBuiltin("filter", t.filter), nil
	case "group_sum":
		return starlark.NewBuiltin("group_sum", t.groupSum), nil
	}
	return nil, nil
}

func (t *Table) index(name string) (int, error) {
	for i, c := range t.columns {
		if c == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no column %q (columns: %s)", name, strings.Join(t.columns, ", "))
}

func (t *Table) column(name string) (*Series, error) {
	idx, err := t.index(name)
	if err != nil {
		return nil, err
	}
	vals := make([]starlark.Value, len(t.rows))
	for i, r := range t.rows {
		vals[i] = r[idx]
	}
	return NewSeries(name, vals), nil
}

func (t *Table) record(i int) *starlark.Dict {
	d := starlark.NewDict(len(t.columns))
	for j, c := range t.columns {
		_ = d.SetKey(starlark.String(c), t.rows[i][j])
	}
	return d
}

func (t *Table) sortBy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col string
	reverse := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "column", &col, "reverse?", &reverse); err != nil {
		return nil, err
	}
	idx, err := t.index(col)
	if err != nil {
		return nil, err
	}
	rows := append([][]starlark.Value(nil), t.rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, c := rows[i][idx], rows[j][idx]
		if reverse {
			a, c = c, a
		}
		return less(a, c)
	})
	return &Table{columns: t.columns, rows: rows}, nil
}

func (t *Table) filter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var col string
	var want starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &col, &want); err != nil {
		return nil, err
	}
	idx, err := t.index(col)
	if err != nil {
		return nil, err
	}
	var rows [][]starlark.Value
	for _, r := range t.rows {
		if eq, err := starlark.Equal(r[idx], want); err == nil && eq {
			rows = append(rows, r)
		}
	}
	return &Table{columns: t.columns, rows: rows}, nil
}

// groupSum sums value per distinct key, in first-seen key order.
func (t *Table) groupSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var keyCol, valCol string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &keyCol, &valCol); err != nil {
		return nil, err
	}
	ki, err := t.index(keyCol)
	if err != nil {
		return nil, err
	}
	vi, err := t.index(valCol)
	if err != nil {
		return nil, err
	}
	out := starlark.NewDict(0)
	for _, r := range t.rows {
		if r[vi] == starlark.None {
			continue
		}
		cur, found, err := out.Get(r[ki])
		if err != nil {
			return nil, err
		}
		if !found {
			cur = starlark.MakeInt(0)
		}
		sum, err := starlark.Binary(syntax.PLUS, cur, r[vi])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if err := out.SetKey(r[ki], sum); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Table) summary() map[string]any {
	preview := make([]map[string]any, 0, min(len(t.rows), PreviewRows))
	for i := 0; i < len(t.rows) && i < PreviewRows; i++ {
		rec := make(map[string]any, len(t.columns))
		for j, c := range t.columns {
			rec[c] = serialize(t.rows[i][j], 1)
		}
		preview = append(preview, rec)
	}
	return map[string]any{
		"type":    "table",
		"shape":   []int{len(t.rows), len(t.columns)},
		"columns": append([]string(nil), t.columns...),
		"preview": preview,
	}
}

// Series is a single labelled column of values.
type Series struct {
	name   string
	values []starlark.Value
	dtype  string
}

var (
	_ starlark.HasAttrs  = (*Series)(nil)
	_ starlark.Indexable = (*Series)(nil)
	_ starlark.Iterable  = (*Series)(nil)
)

// NewSeries creates a Series and infers its dtype label.
func NewSeries(name string, values []starlark.Value) *Series {
	return &Series{name: name, values: values, dtype: inferDtype(values)}
}

func (s *Series) String() string {
	return fmt.Sprintf("series(name=%s, length=%d, dtype=%s)", s.name, len(s.values), s.dtype)
}
func (s *Series) Type() string                 { return "series" }
func (s *Series) Freeze()                      {}
func (s *Series) Truth() starlark.Bool         { return len(s.values) > 0 }
func (s *Series) Hash() (uint32, error)        { return 0, fmt.Errorf("unhashable type: series") }
func (s *Series) Len() int                     { return len(s.values) }
func (s *Series) Index(i int) starlark.Value   { return s.values[i] }
func (s *Series) Iterate() starlark.Iterator   { return starlark.Tuple(s.values).Iterate() }
func (s *Series) AttrNames() []string {
	return []string{"count", "dtype", "head", "max", "mean", "min", "name", "sum", "unique", "values"}
}

func (s *Series) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(s.name), nil
	case "dtype":
		return starlark.String(s.dtype), nil
	case "values":
		return starlark.NewList(append([]starlark.Value(nil), s.values...)), nil
	case "sum":
		return s.method("sum", func() (starlark.Value, error) { return sumValues(s.values) }), nil
	case "mean":
		return s.method("mean", func() (starlark.Value, error) {
			xs, err := floats("mean", s)
			if err != nil {
				return nil, err
			}
			if len(xs) == 0 {
				return nil, fmt.Errorf("mean: empty series")
			}
			return starlark.Float(mean(xs)), nil
		}), nil
	case "min":
		return s.method("min", func() (starlark.Value, error) { return extreme(s.values, false) }), nil
	case "max":
		return s.method("max", func() (starlark.Value, error) { return extreme(s.values, true) }), nil
	case "count":
		return s.method("count", func() (starlark.Value, error) {
			n := 0
			for _, v := range s.values {
				if v != starlark.None {
					n++
				}
			}
			return starlark.MakeInt(n), nil
		}), nil
	case "unique":
		return s.method("unique", func() (starlark.Value, error) {
			seen := starlark.NewDict(0)
			var out []starlark.Value
			for _, v := range s.values {
				if _, found, _ := seen.Get(v); found {
					continue
				}
				_ = seen.SetKey(v, starlark.True)
				out = append(out, v)
			}
			return starlark.NewList(out), nil
		}), nil
	case "head":
		return starlark.NewBuiltin("head", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			n := 5
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n?", &n); err != nil {
				return nil, err
			}
			return NewSeries(s.name, s.values[:clamp(n, len(s.values))]), nil
		}), nil
	}
	return nil, nil
}

func (s *Series) method(name string, fn func() (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		return fn()
	})
}

func (s *Series) summary() map[string]any {
	n := min(len(s.values), PreviewRows)
	preview := make([]any, n)
	for i := 0; i < n; i++ {
		preview[i] = serialize(s.values[i], 1)
	}
	return map[string]any{
		"type":    "series",
		"name":    s.name,
		"length":  len(s.values),
		"dtype":   s.dtype,
		"preview": preview,
	}
}

func inferDtype(values []starlark.Value) string {
	dtype := ""
	for _, v := range values {
		switch v.(type) {
		case starlark.NoneType:
			continue
		case starlark.Int:
			if dtype == "" {
				dtype = "int64"
			}
		case starlark.Float:
			if dtype == "" || dtype == "int64" {
				dtype = "float64"
			}
		case starlark.Bool:
			if dtype == "" {
				dtype = "bool"
			} else if dtype != "bool" {
				return "object"
			}
		default:
			return "object"
		}
	}
	if dtype == "" {
		return "object"
	}
	return dtype
}

func sumValues(values []starlark.Value) (starlark.Value, error) {
	var total starlark.Value = starlark.MakeInt(0)
	for _, v := range values {
		if v == starlark.None {
			continue
		}
		next, err := starlark.Binary(syntax.PLUS, total, v)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		total = next
	}
	return total, nil
}

func extreme(values []starlark.Value, wantMax bool) (starlark.Value, error) {
	var best starlark.Value
	for _, v := range values {
		if v == starlark.None {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		op := syntax.LT
		if wantMax {
			op = syntax.GT
		}
		better, err := starlark.Compare(op, v, best)
		if err != nil {
			return nil, err
		}
		if better {
			best = v
		}
	}
	if best == nil {
		return starlark.None, nil
	}
	return best, nil
}

// less orders values with None last and falls back to string order for
// values that do not compare.
func less(a, b starlark.Value) bool {
	if a == starlark.None {
		return false
	}
	if b == starlark.None {
		return true
	}
	lt, err := starlark.Compare(syntax.LT, a, b)
	if err != nil {
		return a.String() < b.String()
	}
	return lt
}

func clamp(n, length int) int {
	if n < 0 {
		return 0
	}
	if n > length {
		return length
	}
	return n
}

var groupedNumber = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+(\.\d+)?$`)

// parseCell converts CSV text into the narrowest Starlark value.
func parseCell(raw string) starlark.Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return starlark.None
	}
	if groupedNumber.MatchString(s) {
		s = strings.ReplaceAll(s, ",", "")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return starlark.MakeInt64(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return starlark.Float(f)
	}
	return starlark.String(raw)
}

func tableReadCSV(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
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
		return NewTable(nil, nil), nil
	}
	header := records[0]
	rows := make([][]starlark.Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]starlark.Value, len(rec))
		for i, cell := range rec {
			row[i] = parseCell(cell)
		}
		rows = append(rows, row)
	}
	return NewTable(header, rows), nil
}

func tableFromRows(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cols, rows starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &cols, &rows); err != nil {
		return nil, err
	}
	var columns []string
	var v starlark.Value
	it := cols.Iterate()
	for it.Next(&v) {
		s, ok := starlark.AsString(v)
		if !ok {
			it.Done()
			return nil, fmt.Errorf("%s: column names must be strings, got %s", b.Name(), v.Type())
		}
		columns = append(columns, s)
	}
	it.Done()

	var out [][]starlark.Value
	rit := rows.Iterate()
	defer rit.Done()
	for rit.Next(&v) {
		row, ok := v.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%s: rows must be sequences, got %s", b.Name(), v.Type())
		}
		var cells []starlark.Value
		var cell starlark.Value
		cit := row.Iterate()
		for cit.Next(&cell) {
			cells = append(cells, cell)
		}
		cit.Done()
		out = append(out, cells)
	}
	return NewTable(columns, out), nil
}

func readCSV(text, delimiter string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	if delimiter != "" {
		r.Comma = []rune(delimiter)[0]
	}
	return r.ReadAll()
}
