package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const contextKey = "sandbox.context"

type moduleDef struct {
	module *starlarkstruct.Module
}

// exports is what a load statement sees: the module under its own name plus
// each member, so both `load("math", "math")` and `load("math", "sqrt")` work.
func (d *moduleDef) exports() starlark.StringDict {
	out := make(starlark.StringDict, len(d.module.Members)+1)
	for k, v := range d.module.Members {
		out[k] = v
	}
	out[d.module.Name] = d.module
	return out
}

func standardModules() map[string]*moduleDef {
	mods := []*starlarkstruct.Module{
		starlarkmath.Module,
		starlarktime.Module,
		starlarkjson.Module,
		statisticsModule,
		csvModule,
		reModule,
		tableModule,
	}
	out := make(map[string]*moduleDef, len(mods))
	for _, m := range mods {
		m.Freeze()
		out[m.Name] = &moduleDef{module: m}
	}
	return out
}

var (
	importStmt  = regexp.MustCompile(`^import\s+(.+)$`)
	fromStmt    = regexp.MustCompile(`^from\s+([\w.]+)\s+import\s+(.+)$`)
	importAlias = regexp.MustCompile(`^([\w.]+)(?:\s+as\s+(\w+))?$`)
	importStart = regexp.MustCompile(`^(import|from)\b`)
)

// importName is one name bound by an import: the module or member and its
// local alias.
type importName struct {
	name, alias string
}

func (n importName) local() string {
	if n.alias != "" {
		return n.alias
	}
	return n.name
}

// rewriteImports turns Python-style import statements into Starlark. Top
// level imports become load statements; imports inside blocks become plain
// assignments from the predeclared modules. Text inside string literals
// and comments is never touched, and line numbers stay stable. It returns
// the first module outside the allow-list, or the offending text of an
// import it cannot parse; in either case the rewritten source is not used.
func rewriteImports(src string, allowed func(string) bool) (string, string) {
	lines := strings.Split(src, "\n")
	quote := ""
	for i, line := range lines {
		startsInString := quote != ""
		var sc lineScan
		sc, quote = scanLine(line, quote)
		if startsInString && sc.codeAt < 0 {
			continue
		}

		// Text before codeAt closes a string opened on an earlier line.
		head, code := line[:sc.codeAt], line[sc.codeAt:sc.commentAt]
		indent := ""
		if !startsInString {
			indent = code[:len(code)-len(strings.TrimLeft(code, " \t"))]
		}
		// The nesting of a statement continued from an earlier line is
		// unknown, so it gets the assignment form valid at any depth.
		topLevel := !startsInString && indent == ""
		var (
			stmts   []string
			changed bool
		)
		prev := 0
		for _, end := range append(sc.semicolons, len(code)) {
			stmt := strings.TrimSpace(code[prev:end])
			prev = end + 1
			if !importStart.MatchString(stmt) {
				stmts = append(stmts, stmt)
				continue
			}
			out, denied := rewriteImport(stmt, topLevel, allowed)
			if denied != "" {
				return "", denied
			}
			stmts = append(stmts, out)
			changed = true
		}
		switch {
		case changed && startsInString:
			lines[i] = head + strings.Join(stmts, "; ")
		case changed:
			lines[i] = indent + strings.Join(nonEmpty(stmts), "; ")
		}
	}
	return strings.Join(lines, "\n"), ""
}

// rewriteImport rewrites one import statement. Anything that does not parse
// as an import is reported as denied.
func rewriteImport(stmt string, topLevel bool, allowed func(string) bool) (string, string) {
	if m := fromStmt.FindStringSubmatch(stmt); m != nil {
		mod := m[1]
		if !allowed(mod) {
			return "", mod
		}
		names, ok := parseNames(strings.Trim(m[2], "() "), false)
		if !ok {
			return "", stmt
		}
		return fromImport(mod, names, topLevel), ""
	}
	if m := importStmt.FindStringSubmatch(stmt); m != nil {
		mods, ok := parseNames(m[1], true)
		if !ok {
			return "", stmt
		}
		var out []string
		for _, mod := range mods {
			if !allowed(mod.name) {
				return "", mod.name
			}
			switch {
			case topLevel:
				out = append(out, fmt.Sprintf("load(%q, %s=%q)", mod.name, mod.local(), mod.name))
			case mod.alias != "":
				out = append(out, fmt.Sprintf("%s = %s", mod.alias, mod.name))
			}
		}
		if len(out) == 0 {
			return "pass", ""
		}
		return strings.Join(out, "; "), ""
	}
	return "", stmt
}

// parseNames splits a comma separated import list. A `*` entry is returned
// as a bare name and only accepted in from-imports.
func parseNames(list string, modules bool) ([]importName, bool) {
	var names []importName
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" && !modules {
			names = append(names, importName{name: "*"})
			continue
		}
		am := importAlias.FindStringSubmatch(part)
		if am == nil || (!modules && strings.Contains(am[1], ".")) {
			return nil, false
		}
		names = append(names, importName{name: am[1], alias: am[2]})
	}
	return names, len(names) > 0
}

func fromImport(mod string, names []importName, topLevel bool) string {
	var args []string
	for _, n := range names {
		switch {
		case n.name == "*" && topLevel:
			args = append(args, fmt.Sprintf("%q", mod))
		case n.name == "*":
		case topLevel:
			args = append(args, fmt.Sprintf("%s=%q", n.local(), n.name))
		default:
			args = append(args, fmt.Sprintf("%s = %s.%s", n.local(), mod, n.name))
		}
	}
	switch {
	case len(args) == 0:
		return "pass"
	case topLevel:
		return fmt.Sprintf("load(%q, %s)", mod, strings.Join(args, ", "))
	}
	return strings.Join(args, "; ")
}

func nonEmpty(ss []string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// lineScan locates the code of one line that sits outside string literals:
// where it starts (-1 when the whole line is inside a string), where its
// comment starts, and its statement separators. Offsets of semicolons are
// relative to codeAt.
type lineScan struct {
	codeAt     int
	commentAt  int
	semicolons []int
}

// scanLine scans line starting in the string state quote ("" when outside
// a string) and returns the state the next line starts in. Only triple
// quoted strings span lines.
func scanLine(line, quote string) (lineScan, string) {
	sc := lineScan{commentAt: len(line)}
	if quote != "" {
		sc.codeAt = -1
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != "" {
			switch {
			case c == '\\':
				i++
			case strings.HasPrefix(line[i:], quote):
				i += len(quote) - 1
				quote = ""
				if sc.codeAt < 0 {
					sc.codeAt = i + 1
				}
			}
			continue
		}
		switch c {
		case '#':
			sc.commentAt = i
			return sc, quote
		case ';':
			sc.semicolons = append(sc.semicolons, i-sc.codeAt)
		case '\'', '"':
			quote = string(c)
			if strings.HasPrefix(line[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
				i += 2
			}
		}
	}
	if len(quote) == 1 {
		quote = ""
	}
	return sc, quote
}

// sleep blocks for the given number of seconds or until the execution is
// cancelled.
func sleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var secs starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &secs); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(secs)
	if !ok || f < 0 {
		return nil, fmt.Errorf("%s: expected non-negative number, got %s", b.Name(), secs.Type())
	}
	ctx, _ := thread.Local(contextKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(time.Duration(f * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: interrupted: %w", b.Name(), ctx.Err())
	}
}
