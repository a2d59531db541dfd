// Package sandbox runs untrusted analysis code under a restricted Starlark
// environment with a hard wall-clock deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"analytics-agent/backend/internal/logging"
)

// ErrorType classifies a failed execution.
type ErrorType string

const (
	ErrSyntax         ErrorType = "SyntaxError"
	ErrTimeout        ErrorType = "Timeout"
	ErrImportDenied   ErrorType = "ImportDenied"
	ErrRuntimeFailure ErrorType = "RuntimeFailure"
)

const (
	DefaultTimeout   = 30 * time.Second
	defaultMaxOutput = 64 * 1024
	sourceName       = "analysis.star"
)

// Request is a single execution.
type Request struct {
	Code    string
	Timeout time.Duration
	// Inputs are exposed to the program as the frozen dict `inputs`.
	Inputs map[string]string
}

// Result is always returned by Execute; failures are encoded, never raised.
type Result struct {
	Success   bool      `json:"success"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Error     string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
	Result    any       `json:"result,omitempty"`
	ElapsedMS int64     `json:"execution_time_ms"`
}

// Engine executes code. It holds only immutable configuration and frozen
// module values, so one Engine serves concurrent callers.
type Engine struct {
	maxTimeout time.Duration
	maxOutput  int
	maxSteps   uint64
	modules    map[string]*moduleDef
	logger     *logging.Logger
	tracer     trace.Tracer
	executions metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxTimeout caps the timeout any request may ask for.
func WithMaxTimeout(d time.Duration) Option {
	return func(e *Engine) { e.maxTimeout = d }
}

// WithMaxOutput caps captured stdout and stderr, in bytes each.
func WithMaxOutput(n int) Option {
	return func(e *Engine) { e.maxOutput = n }
}

// WithMaxSteps bounds the number of interpreter steps; zero is unbounded.
func WithMaxSteps(n uint64) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a new Engine with the standard module allow-list.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxTimeout: DefaultTimeout,
		maxOutput:  defaultMaxOutput,
		modules:    standardModules(),
		logger:     logging.Nop(),
		tracer:     otel.Tracer("analytics-agent/sandbox"),
	}
	for _, opt := range opts {
		opt(e)
	}
	counter, err := otel.Meter("analytics-agent/sandbox").Int64Counter("sandbox.executions",
		metric.WithDescription("Sandbox executions by outcome"))
	if err == nil {
		e.executions = counter
	}
	return e
}

// AllowedModules lists the importable module names in sorted order.
func (e *Engine) AllowedModules() []string {
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type outcome struct {
	globals starlark.StringDict
	err     error
}

// Execute runs req.Code and returns its Result. The deadline is enforced by
// a supervising timer that cancels the interpreter thread and abandons it,
// whatever the code is doing.
func (e *Engine) Execute(ctx context.Context, req Request) Result {
	ctx, span := e.tracer.Start(ctx, "sandbox.execute")
	defer span.End()

	start := time.Now()
	timeout := e.effectiveTimeout(req.Timeout)

	res := e.execute(ctx, req, timeout, start)
	res.ElapsedMS = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Bool("sandbox.success", res.Success),
		attribute.String("sandbox.error_type", string(res.ErrorType)),
		attribute.Int64("sandbox.elapsed_ms", res.ElapsedMS),
	)
	if e.executions != nil {
		e.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", string(res.ErrorType))))
	}
	if res.Success {
		e.logger.Info("sandbox execution finished", "elapsed_ms", res.ElapsedMS)
	} else {
		e.logger.Warn("sandbox execution failed", "error_type", res.ErrorType, "error", res.Error, "elapsed_ms", res.ElapsedMS)
	}
	return res
}

func (e *Engine) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > e.maxTimeout {
		return e.maxTimeout
	}
	return requested
}

func (e *Engine) execute(ctx context.Context, req Request, timeout time.Duration, start time.Time) Result {
	// Python-style imports are checked and rewritten to load statements
	// before parsing so nothing runs ahead of a denial.
	src, denied := rewriteImports(req.Code, e.isAllowed)
	if denied != "" {
		return e.importDenied(denied)
	}

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
	f, err := opts.Parse(sourceName, src, 0)
	if err != nil {
		return syntaxFailure(err)
	}
	for _, stmt := range f.Stmts {
		if load, ok := stmt.(*syntax.LoadStmt); ok && !e.isAllowed(load.ModuleName()) {
			return e.importDenied(load.ModuleName())
		}
	}

	stdout := newCappedBuffer(e.maxOutput)
	stderr := newCappedBuffer(e.maxOutput)
	predeclared := e.predeclared(req.Inputs, stderr)

	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return syntaxFailure(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "sandbox",
		Print: func(_ *starlark.Thread, msg string) { stdout.WriteLine(msg) },
		Load:  e.load,
	}
	thread.SetLocal(contextKey, runCtx)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("interpreter panic: %v", r)}
			}
		}()
		globals, err := prog.Init(thread, predeclared)
		done <- outcome{globals: globals, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return e.finish(out, stdout, stderr)
	case <-timer.C:
		thread.Cancel("timeout")
		cancel()
		msg := fmt.Sprintf("Execution timed out after %d seconds", int(timeout.Round(time.Second)/time.Second))
		if timeout < time.Second {
			msg = fmt.Sprintf("Execution timed out after %s", timeout)
		}
		return Result{
			Stdout:    stdout.String(),
			Stderr:    joinLines(stderr.String(), msg),
			Error:     msg,
			ErrorType: ErrTimeout,
		}
	case <-ctx.Done():
		thread.Cancel("cancelled")
		return Result{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			Error:     fmt.Sprintf("Execution cancelled: %v", ctx.Err()),
			ErrorType: ErrRuntimeFailure,
		}
	}
}

func (e *Engine) finish(out outcome, stdout, stderr *cappedBuffer) Result {
	if out.err != nil {
		res := Result{
			Stdout:    stdout.String(),
			ErrorType: ErrRuntimeFailure,
		}
		var evalErr *starlark.EvalError
		if errors.As(out.err, &evalErr) {
			res.Error = evalErr.Msg
			res.Traceback = evalErr.Backtrace()
		} else {
			res.Error = out.err.Error()
		}
		res.Stderr = joinLines(stderr.String(), res.Error)
		return res
	}

	res := Result{
		Success: true,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if v, ok := out.globals["result"]; ok {
		res.Result = Serialize(v)
	} else if v, ok := out.globals["_"]; ok {
		res.Result = Serialize(v)
	}
	return res
}

func (e *Engine) isAllowed(name string) bool {
	_, ok := e.modules[name]
	return ok
}

func (e *Engine) importDenied(name string) Result {
	msg := fmt.Sprintf("Import of '%s' is not allowed. Allowed modules: %s", name, strings.Join(e.AllowedModules(), ", "))
	return Result{
		Stderr:    msg,
		Error:     msg,
		ErrorType: ErrImportDenied,
	}
}

func (e *Engine) load(_ *starlark.Thread, name string) (starlark.StringDict, error) {
	def, ok := e.modules[name]
	if !ok {
		return nil, fmt.Errorf("Import of '%s' is not allowed", name)
	}
	return def.exports(), nil
}

func (e *Engine) predeclared(inputs map[string]string, stderr *cappedBuffer) starlark.StringDict {
	env := starlark.StringDict{
		"inputs": inputsDict(inputs),
		"eprint": starlark.NewBuiltin("eprint", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
			}
			parts := make([]string, len(args))
			for i, a := range args {
				if s, ok := starlark.AsString(a); ok {
					parts[i] = s
				} else {
					parts[i] = a.String()
				}
			}
			stderr.WriteLine(strings.Join(parts, " "))
			return starlark.None, nil
		}),
		"sleep": starlark.NewBuiltin("sleep", sleep),
	}
	for name, def := range e.modules {
		env[name] = def.module
	}
	return env
}

func inputsDict(inputs map[string]string) *starlark.Dict {
	d := starlark.NewDict(len(inputs))
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.String(inputs[k]))
	}
	d.Freeze()
	return d
}

func syntaxFailure(err error) Result {
	msg := fmt.Sprintf("Syntax error: %v", err)
	return Result{
		Stderr:    msg,
		Error:     msg,
		ErrorType: ErrSyntax,
	}
}

func joinLines(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "\n"):
		return a + b
	default:
		return a + "\n" + b
	}
}
