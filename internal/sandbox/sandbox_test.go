package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_PrintAndResult(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "x = 6 * 7\nprint('answer', x)\nresult = x\n"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "answer 42\n", res.Stdout)
	assert.Equal(t, int64(42), res.Result)
	assert.Empty(t, res.ErrorType)
}

func TestExecute_UnderscoreResultFallback(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "_ = [1, 2, 3]"})

	require.True(t, res.Success)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, res.Result)
}

func TestExecute_SyntaxError(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "def broken(:\n  pass"})

	assert.False(t, res.Success)
	assert.Equal(t, ErrSyntax, res.ErrorType)
	assert.Contains(t, res.Error, "Syntax error")
}

func TestExecute_ImportDenied(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name   string
		code   string
		module string
	}{
		{"python import", "import os\nprint('after')", "os"},
		{"from import", "from subprocess import run", "subprocess"},
		{"load statement", "load('os', 'path')\nprint('after')", "os"},
		{"nested import", "def f():\n    import socket\n    return 1\n", "socket"},
		{"aliased list", "import math, shutil as sh", "shutil"},
		{"trailing comment", "import os  # env\nprint('side effect')", "os"},
		{"semicolon", "import os; x = 1\nprint('after')", "os"},
		{"after semicolon", "x = 1; import os\nprint('after')", "os"},
		{"nested from import", "def f():\n    from os import path  # join\n    return path\n", "os"},
		{"unparseable import", "import (os)\nprint('after')", "import (os)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.Execute(context.Background(), Request{Code: tt.code})

			assert.False(t, res.Success)
			assert.Equal(t, ErrImportDenied, res.ErrorType)
			assert.Contains(t, res.Error, "Import of '"+tt.module+"' is not allowed")
			assert.Contains(t, res.Error, "Allowed modules:")
			assert.Empty(t, res.Stdout, "no line may run before the denial")
		})
	}
}

func TestExecute_AllowedImports(t *testing.T) {
	engine := NewEngine()

	code := `
import math
import statistics as st
from json import encode
import re

values = [1, 2, 3, 4]
result = {
    "sqrt": math.sqrt(16),
    "mean": st.mean(values),
    "json": encode({"a": 1}),
    "digits": re.findall("[0-9]+", "a1b22c333"),
}
`
	res := engine.Execute(context.Background(), Request{Code: code})

	require.True(t, res.Success, res.Error)
	out, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.0, out["sqrt"])
	assert.Equal(t, 2.5, out["mean"])
	assert.Equal(t, `{"a":1}`, out["json"])
	assert.Equal(t, []any{"1", "22", "333"}, out["digits"])
}

func TestExecute_AllowedImportsWithCommentsAndSemicolons(t *testing.T) {
	engine := NewEngine()

	code := `
import math  # square roots
import json; data = json.decode('{"a": 2}')
from statistics import mean as avg  # average

def middle(xs):
    import statistics as st  # local alias
    from math import floor
    return st.median(xs) + floor(0.5)

result = {"sqrt": math.sqrt(data["a"] * 8), "avg": avg([1, 2, 3, 4]), "middle": middle([1.0, 3.0])}
`
	res := engine.Execute(context.Background(), Request{Code: code})

	require.True(t, res.Success, res.Error)
	out, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.0, out["sqrt"])
	assert.Equal(t, 2.5, out["avg"])
	assert.Equal(t, 2.0, out["middle"])
}

func TestExecute_ImportTextInStringsIsData(t *testing.T) {
	engine := NewEngine()

	code := `doc = """
import os
from subprocess import run
"""
note = 'import os; # not a comment'
print(note)
result = doc
`
	res := engine.Execute(context.Background(), Request{Code: code})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "import os; # not a comment\n", res.Stdout)
	assert.Equal(t, "\nimport os\nfrom subprocess import run\n", res.Result)
}

func TestRewriteImports(t *testing.T) {
	allowed := func(name string) bool {
		return name == "math" || name == "json" || name == "statistics"
	}

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"trailing comment", "import math  # square roots", `load("math", math="math")`},
		{"aliases", "import math as m, json", `load("math", m="math"); load("json", json="json")`},
		{"from import", "from json import encode as enc, decode", `load("json", enc="encode", decode="decode")`},
		{"star import", "from math import *", `load("math", "math")`},
		{"semicolons", "import math; x = math.pi  # pi", `load("math", math="math"); x = math.pi`},
		{
			"nested imports",
			"def f():\n    import math\n    from json import encode  # enc\n    import statistics as st",
			"def f():\n    pass\n    encode = json.encode\n    st = statistics",
		},
		{"hash and semicolon in string", `x = "a # b; import os"; y = 1`, `x = "a # b; import os"; y = 1`},
		{"triple quoted", "s = \"\"\"\nimport os\nfrom os import path\n\"\"\"\nt = 1", "s = \"\"\"\nimport os\nfrom os import path\n\"\"\"\nt = 1"},
		{"single triple quoted", "s = '''\nimport os  # x\n'''", "s = '''\nimport os  # x\n'''"},
		{"identifiers", "important = 1\nfrom_here = 2", "important = 1\nfrom_here = 2"},
		{"import after closing quote", "s = \"\"\"\nx\n\"\"\"; import math as m", "s = \"\"\"\nx\n\"\"\"; m = math"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, denied := rewriteImports(tt.src, allowed)
			assert.Empty(t, denied)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRewriteImports_Denied(t *testing.T) {
	allowed := func(name string) bool { return name == "math" }

	tests := []struct {
		src    string
		denied string
	}{
		{"import os  # env", "os"},
		{"import math; import os", "os"},
		{"from . import x", "from . import x"},
		{"from math import a.b", "from math import a.b"},
		{"import", "import"},
		{"s = '''x'''\nimport os", "os"},
		{"s = \"\"\"\nx\n\"\"\"; import os  # after", "os"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, denied := rewriteImports(tt.src, allowed)
			assert.Equal(t, tt.denied, denied)
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	engine := NewEngine()
	timeout := 300 * time.Millisecond

	start := time.Now()
	res := engine.Execute(context.Background(), Request{Code: "while True:\n    pass\n", Timeout: timeout})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, ErrTimeout, res.ErrorType)
	assert.Contains(t, res.Error, "timed out")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestExecute_TimeoutDuringSleep(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "print('start')\nsleep(10)\nprint('end')", Timeout: 200 * time.Millisecond})

	assert.False(t, res.Success)
	assert.Equal(t, ErrTimeout, res.ErrorType)
	assert.Equal(t, "start\n", res.Stdout)
	assert.InDelta(t, 200, res.ElapsedMS, 500)
}

func TestExecute_TimeoutCappedByEngine(t *testing.T) {
	engine := NewEngine(WithMaxTimeout(100 * time.Millisecond))

	res := engine.Execute(context.Background(), Request{Code: "sleep(5)", Timeout: time.Minute})

	assert.Equal(t, ErrTimeout, res.ErrorType)
	assert.Less(t, res.ElapsedMS, int64(1000))
}

func TestExecute_RuntimeFailure(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "print('before')\nx = 1 // 0\n"})

	assert.False(t, res.Success)
	assert.Equal(t, ErrRuntimeFailure, res.ErrorType)
	assert.Equal(t, "before\n", res.Stdout)
	assert.Contains(t, res.Error, "division by zero")
	assert.Contains(t, res.Traceback, "analysis.star")
}

func TestExecute_UndefinedNameIsStaticError(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "print(open('/etc/passwd'))"})

	assert.False(t, res.Success)
	assert.Equal(t, ErrSyntax, res.ErrorType)
	assert.Contains(t, res.Error, "undefined: open")
}

func TestExecute_InputsAndTable(t *testing.T) {
	engine := NewEngine()
	csvData := "Region,Sales\nEast,100\nWest,250\nEast,50\n"

	code := `
t = table.read_csv(inputs["csv_data"])
totals = t.group_sum("Region", "Sales")
print(totals)
result = t.sort_by("Sales", reverse=True)
`
	res := engine.Execute(context.Background(), Request{Code: code, Inputs: map[string]string{"csv_data": csvData}})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "{\"East\": 150, \"West\": 250}\n", res.Stdout)

	summary, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "table", summary["type"])
	assert.Equal(t, []int{3, 2}, summary["shape"])
	assert.Equal(t, []string{"Region", "Sales"}, summary["columns"])
	preview := summary["preview"].([]map[string]any)
	require.Len(t, preview, 3)
	assert.Equal(t, "West", preview[0]["Region"])
}

func TestExecute_InputsAreFrozen(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "inputs['x'] = '1'", Inputs: map[string]string{}})

	assert.False(t, res.Success)
	assert.Equal(t, ErrRuntimeFailure, res.ErrorType)
	assert.Contains(t, res.Error, "frozen")
}

func TestExecute_EprintCapturedOnStderr(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "eprint('warning:', 3)"})

	require.True(t, res.Success)
	assert.Equal(t, "warning: 3\n", res.Stderr)
}

func TestExecute_OutputCapped(t *testing.T) {
	engine := NewEngine(WithMaxOutput(32))

	res := engine.Execute(context.Background(), Request{Code: "for i in range(100):\n    print('line', i)\n"})

	require.True(t, res.Success)
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.LessOrEqual(t, len(res.Stdout), 32+len(truncatedMarker))
}

func TestExecute_ResultIsJSONSafe(t *testing.T) {
	engine := NewEngine()

	res := engine.Execute(context.Background(), Request{Code: "result = {'nan': float('nan'), 'items': set([1, 2]), 'fn': len}"})

	require.True(t, res.Success, res.Error)
	_, err := json.Marshal(res)
	assert.NoError(t, err)
}

func TestExecute_ConcurrentRunsAreIsolated(t *testing.T) {
	engine := NewEngine()

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Execute(context.Background(), Request{
				Code:   "print(inputs['id'])\nresult = int(inputs['id']) * 2",
				Inputs: map[string]string{"id": string(rune('0' + i))},
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.Success, res.Error)
		assert.Equal(t, string(rune('0'+i))+"\n", res.Stdout)
		assert.Equal(t, int64(i*2), res.Result)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	engine := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := engine.Execute(ctx, Request{Code: "sleep(5)", Timeout: 10 * time.Second})

	assert.False(t, res.Success)
	assert.Equal(t, ErrRuntimeFailure, res.ErrorType)
	assert.Contains(t, res.Error, "cancel")
}

func TestAllowedModules(t *testing.T) {
	engine := NewEngine()

	assert.Equal(t, []string{"csv", "json", "math", "re", "statistics", "table", "time"}, engine.AllowedModules())
}
