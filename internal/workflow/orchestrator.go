package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/logging"
)

const (
	DefaultMaxIterations = 3
	DefaultToolRounds    = 5
	DefaultMaxRows       = 50
)

// StageError is a failure raised from inside a stage. It is the only
// condition that ends a run early.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator drives runs through the stage graph. It keeps no per-run
// state, so one Orchestrator serves concurrent runs.
type Orchestrator struct {
	provider       llm.Provider
	dispatcher     Dispatcher
	prompts        *Prompts
	maxIterations  int
	toolRounds     int
	maxRows        int
	allowedModules []string
	logger         *logging.Logger

	tracer     trace.Tracer
	runs       metric.Int64Counter
	stageCalls metric.Int64Counter
	duration   metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxIterations bounds the number of validation passes.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) { o.maxIterations = n }
}

// WithToolRounds bounds the provider requests of a tool-use loop.
func WithToolRounds(n int) Option {
	return func(o *Orchestrator) { o.toolRounds = n }
}

// WithMaxRows sets the dataset row cap advertised to the provider.
func WithMaxRows(n int) Option {
	return func(o *Orchestrator) { o.maxRows = n }
}

// WithAllowedModules lists the sandbox modules advertised to the provider.
func WithAllowedModules(names []string) Option {
	return func(o *Orchestrator) { o.allowedModules = names }
}

func WithPrompts(p *Prompts) Option {
	return func(o *Orchestrator) { o.prompts = p }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over a reasoning provider and a tool
// dispatcher.
func New(provider llm.Provider, dispatcher Dispatcher, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("workflow: provider is required")
	}
	if dispatcher == nil {
		return nil, errors.New("workflow: dispatcher is required")
	}
	o := &Orchestrator{
		provider:      provider,
		dispatcher:    dispatcher,
		maxIterations: DefaultMaxIterations,
		toolRounds:    DefaultToolRounds,
		maxRows:       DefaultMaxRows,
		logger:        logging.Nop(),
		tracer:        otel.Tracer("analytics-agent/workflow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prompts == nil {
		p, err := DefaultPrompts()
		if err != nil {
			return nil, err
		}
		o.prompts = p
	}
	if o.maxIterations < 1 {
		return nil, fmt.Errorf("workflow: max iterations must be positive, got %d", o.maxIterations)
	}
	if o.toolRounds < 1 {
		return nil, fmt.Errorf("workflow: tool rounds must be positive, got %d", o.toolRounds)
	}

	meter := otel.Meter("analytics-agent/workflow")
	var err error
	if o.runs, err = meter.Int64Counter("workflow.runs", metric.WithDescription("Workflow runs by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	if o.stageCalls, err = meter.Int64Counter("workflow.stage.invocations", metric.WithDescription("Stage invocations by stage")); err != nil {
		return nil, fmt.Errorf("failed to create stage counter: %w", err)
	}
	if o.duration, err = meter.Float64Histogram("workflow.run.duration_ms", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return o, nil
}

// MaxIterations returns the configured validation bound.
func (o *Orchestrator) MaxIterations() int { return o.maxIterations }

type runIDKey struct{}
type loggerKey struct{}

// WithRunID tags ctx with the id of the run it drives. Runs started without
// one get a fresh id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func (o *Orchestrator) log(ctx context.Context) *logging.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*logging.Logger); ok {
		return l
	}
	return o.logger
}

// Run drives one run to completion and returns the final State.
func (o *Orchestrator) Run(ctx context.Context, message string) (State, error) {
	return o.execute(ctx, message, func(Event) bool { return true })
}

// Stream drives one run in the background and delivers its events in
// execution order. The channel is unbuffered and closed after the done
// event; a stage failure is reported as an error event before done. When
// ctx is cancelled no further stages start and the channel is closed
// without a done event.
func (o *Orchestrator) Stream(ctx context.Context, message string) <-chan Event {
	ch := make(chan Event)
	send := func(e Event) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		final, err := o.execute(ctx, message, send)
		if err != nil {
			var se *StageError
			switch {
			case errors.As(err, &se):
				if send(ErrorEvent(se.Error(), "StageError")) {
					send(DoneEvent())
				}
			case ctx.Err() == nil:
				if send(ErrorEvent(err.Error(), "InternalError")) {
					send(DoneEvent())
				}
			}
			return
		}
		if send(CompleteEvent(final)) {
			send(DoneEvent())
		}
	}()
	return ch
}

func (o *Orchestrator) execute(ctx context.Context, message string, emit func(Event) bool) (State, error) {
	runID := RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = WithRunID(ctx, runID)
	}
	runLog := o.logger.With("run_id", runID)
	ctx = context.WithValue(ctx, loggerKey{}, runLog)

	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()
	start := time.Now()

	runLog.Info("workflow: starting run", "message", logging.Truncate(message, 100))
	s, err := o.walk(ctx, NewState(message), emit)

	outcome := "success"
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("query_kind", string(s.QueryKind)))
	o.runs.Add(ctx, 1, attrs)
	o.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	span.SetAttributes(attribute.String("query_kind", string(s.QueryKind)), attribute.Int("iterations", s.Iterations))

	if err != nil {
		runLog.Error("workflow: run ended early", "error", err, "outcome", outcome)
		return s, err
	}
	runLog.Info("workflow: run complete", "query_kind", s.QueryKind, "iterations", s.Iterations,
		"review_status", s.Review, "duration_ms", time.Since(start).Milliseconds())
	return s, nil
}

// walk moves through the stage graph until no next stage remains.
func (o *Orchestrator) walk(ctx context.Context, s State, emit func(Event) bool) (State, error) {
	for stage := StageRouter; stage != ""; {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if !emit(Event{Kind: EventAgentStart, Data: AgentStartData{Agent: stage, Status: "running"}}) {
			return s, ctx.Err()
		}

		d, err := o.invoke(ctx, stage, s)
		if err != nil {
			return s, err
		}
		s = Merge(s, d)

		for _, e := range stageEvents(stage, s) {
			if !emit(e) {
				return s, ctx.Err()
			}
		}
		stage = o.next(stage, s)
	}
	return s, nil
}

// invoke runs one stage, converting a panic into a StageError.
func (o *Orchestrator) invoke(ctx context.Context, stage string, s State) (d Delta, err error) {
	ctx, span := o.tracer.Start(ctx, "workflow."+stage)
	defer span.End()
	o.stageCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	o.log(ctx).Debug("workflow: entering stage", "stage", stage)

	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	switch stage {
	case StageRouter:
		return o.classify(ctx, s), nil
	case StageResearcher:
		return o.retrieve(ctx, s), nil
	case StageAnalyst:
		return o.analyze(ctx, s), nil
	case StageCritic:
		return o.validate(ctx, s), nil
	default:
		return Delta{}, &StageError{Stage: stage, Err: errors.New("unknown stage")}
	}
}

// next returns the stage after stage, or "" when the run is done.
func (o *Orchestrator) next(stage string, s State) string {
	switch stage {
	case StageRouter:
		if s.QueryKind == KindGeneral {
			return StageAnalyst
		}
		return StageResearcher
	case StageResearcher:
		return StageAnalyst
	case StageAnalyst:
		return StageCritic
	case StageCritic:
		if s.Review == StatusRevisionNeeded && s.Iterations < o.maxIterations {
			return StageAnalyst
		}
	}
	return ""
}

// stageEvents reports the outcome of stage given the merged State.
func stageEvents(stage string, s State) []Event {
	switch stage {
	case StageRouter:
		return []Event{{Kind: EventToolResult, Data: RouterResultData{Agent: stage, QueryKind: s.QueryKind}}}
	case StageResearcher:
		keys := s.Retrieved.Keys()
		return []Event{{Kind: EventToolResult, Data: ResearcherResultData{Agent: stage, DataRetrieved: len(keys) > 0, DataKeys: keys}}}
	case StageAnalyst:
		text := s.AnalysisText()
		events := []Event{{Kind: EventToolResult, Data: AnalystResultData{Agent: stage, HasResult: text != ""}}}
		if text != "" {
			events = append(events, Event{Kind: EventToken, Data: TokenData{Content: text}})
		}
		return events
	case StageCritic:
		return []Event{{Kind: EventValidation, Data: ValidationData{
			Status:         s.Review,
			Iteration:      s.Iterations,
			RevisionNeeded: s.Review == StatusRevisionNeeded,
		}}}
	}
	return nil
}
