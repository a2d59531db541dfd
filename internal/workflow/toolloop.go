package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"

	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/tools"
)

const maxParallelToolCalls = 4

// Dispatcher resolves decoded tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) tools.Result
}

// loopOutcome is the result of a bounded tool-use loop.
type loopOutcome struct {
	// Text is the final free-text reply, or the last text seen when the
	// loop ran out of rounds.
	Text string
	// Finished is true when the provider stopped calling tools on its own.
	Finished bool
	Rounds   int
	Err      error
}

// toolLoop drives the provider for at most rounds requests. Each round
// either ends the loop with free text or executes every requested call and
// feeds the results back. Calls within a round run concurrently; results
// are appended and reported in request order. prepare may rewrite a call
// before dispatch and observe sees each result.
func (o *Orchestrator) toolLoop(
	ctx context.Context,
	req llm.Request,
	rounds int,
	prepare func(tools.Call) tools.Call,
	observe func(tools.Call, tools.Result),
) loopOutcome {
	var out loopOutcome
	msgs := append([]llm.Message(nil), req.Messages...)

	for out.Rounds < rounds {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		out.Rounds++

		req.Messages = msgs
		resp, err := o.provider.Complete(ctx, req)
		if err != nil {
			out.Err = err
			return out
		}
		if resp.Text != "" {
			out.Text = resp.Text
		}
		if !resp.HasToolCalls() {
			out.Finished = true
			return out
		}

		calls := make([]tools.Call, len(resp.ToolCalls))
		for i, inv := range resp.ToolCalls {
			call := tools.Decode(inv)
			if prepare != nil {
				call = prepare(call)
			}
			calls[i] = call
		}

		results := make([]tools.Result, len(calls))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelToolCalls)
		for i, call := range calls {
			g.Go(func() error {
				results[i] = o.dispatcher.Dispatch(gctx, call)
				return nil
			})
		}
		_ = g.Wait()

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for i, call := range calls {
			o.log(ctx).Info("tool call finished", "tool", call.ToolName(), "success", results[i].OK())
			if observe != nil {
				observe(call, results[i])
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: resp.ToolCalls[i].ID, Content: results[i].Encode()})
		}
	}
	return out
}
