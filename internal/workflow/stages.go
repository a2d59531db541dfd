package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/tools"
)

// Stage names, as reported in events.
const (
	StageRouter     = "router"
	StageResearcher = "researcher"
	StageAnalyst    = "analyst"
	StageCritic     = "critic"
)

const (
	csvPreviewChars     = 2000
	assetsPerTypeInCtx  = 5
	logPreviewChars     = 100
	noUserQueryAnalysis = "Unable to process: no user query found."
	providerFailureText = "The analysis could not be completed because the reasoning service returned an error. Please try again."
	forcedApprovalTurn  = "[Critic] Approved after maximum revision attempts. Note: Some quality concerns may remain."
	parseFailureIssue   = "Failed to parse validation response"
	parseFailureReason  = "Defaulting to approved due to parsing error"
	parseFailureScore   = 0.5
)

type classification struct {
	QueryType   string   `json:"query_type"`
	Reasoning   string   `json:"reasoning"`
	KeyEntities []string `json:"key_entities"`
}

// classify sets the query kind from the latest user turn. Any provider or
// parse failure falls back to hybrid.
func (o *Orchestrator) classify(ctx context.Context, s State) Delta {
	msg, ok := s.LatestUserMessage()
	if !ok {
		o.log(ctx).Warn("router: no user message found")
		return Delta{QueryKind: ptr(KindGeneral)}
	}

	p := o.prompts.Router
	resp, err := o.provider.Complete(ctx, llm.Request{
		System:      p.System,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: msg}},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		o.log(ctx).Warn("router: provider failed, defaulting to hybrid", "error", err)
		return Delta{QueryKind: ptr(KindHybrid)}
	}

	kind, parsed, err := parseClassification(resp.Text)
	if err != nil {
		o.log(ctx).Warn("router: failed to parse response, defaulting to hybrid", "error", err,
			"response", logging.Truncate(resp.Text, logPreviewChars))
	}
	o.log(ctx).Info("router: classified query", "query_kind", kind, "reasoning", parsed.Reasoning, "entities", parsed.KeyEntities)
	return Delta{QueryKind: ptr(kind)}
}

func parseClassification(text string) (QueryKind, classification, error) {
	var c classification
	if err := json.Unmarshal([]byte(llm.StripCodeFence(text)), &c); err != nil {
		return KindHybrid, classification{QueryType: string(KindHybrid), Reasoning: "Failed to parse"}, err
	}
	kind := QueryKind(c.QueryType)
	if !kind.Valid() {
		return KindHybrid, c, fmt.Errorf("invalid query_type %q", c.QueryType)
	}
	return kind, c, nil
}

// retrieve runs the data tool loop and keeps the latest result per tool.
func (o *Orchestrator) retrieve(ctx context.Context, s State) Delta {
	msg, ok := s.LatestUserMessage()
	if !ok {
		o.log(ctx).Warn("researcher: no user message found")
		return Delta{}
	}

	p := o.prompts.Researcher
	data := &RetrievedData{}
	var schema *tools.SchemaResult

	out := o.toolLoop(ctx, llm.Request{
		System:      p.System,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "User query: " + msg + "\n\nFind and retrieve the relevant Tableau data."}},
		Tools:       tools.DataToolSpecs(o.maxRows),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}, o.toolRounds, nil, func(_ tools.Call, res tools.Result) {
		switch r := res.(type) {
		case *tools.SearchResult:
			data.Search = r
		case *tools.DatasetResult:
			data.Dataset = r
		case *tools.SchemaResult:
			schema = r
		}
	})

	d := Delta{Retrieved: data, Schema: schema}
	switch {
	case out.Err != nil:
		o.log(ctx).Warn("researcher: loop ended early", "error", out.Err, "rounds", out.Rounds)
	case !out.Finished:
		o.log(ctx).Warn("researcher: round limit reached", "rounds", out.Rounds)
	default:
		o.log(ctx).Info("researcher: completed data retrieval", "rounds", out.Rounds, "data_keys", data.Keys())
	}
	if out.Finished && out.Text != "" {
		d.AppendTurns = []Turn{{Role: RoleAssistant, Agent: StageResearcher, Content: "[Researcher] " + out.Text}}
	}
	return d
}

// analyze runs the code tool loop over the retrieved context.
func (o *Orchestrator) analyze(ctx context.Context, s State) Delta {
	msg, ok := s.LatestUserMessage()
	if !ok {
		o.log(ctx).Warn("analyst: no user message found")
		return Delta{Analysis: ptr(noUserQueryAnalysis)}
	}

	inputs := map[string]string{}
	if csv, _, ok := s.Retrieved.CSV(); ok {
		inputs[KeyCSVData] = csv
	}

	p := o.prompts.Analyst
	prompt := "User Query: " + msg + "\n" + analysisContext(s) +
		"\nAnalyze this data to answer the user's question. Use the execute_code tool if calculations are needed."

	out := o.toolLoop(ctx, llm.Request{
		System:      p.System,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Tools:       tools.CodeToolSpecs(o.allowedModules),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}, o.toolRounds, func(c tools.Call) tools.Call {
		if ec, ok := c.(tools.ExecuteCode); ok {
			ec.Inputs = inputs
			return ec
		}
		return c
	}, nil)

	text := out.Text
	switch {
	case out.Err != nil:
		o.log(ctx).Warn("analyst: loop ended early", "error", out.Err, "rounds", out.Rounds)
		if text == "" {
			text = providerFailureText
		}
	case !out.Finished:
		o.log(ctx).Warn("analyst: round limit reached without a final answer", "rounds", out.Rounds)
	default:
		o.log(ctx).Info("analyst: completed analysis", "rounds", out.Rounds)
	}

	return Delta{
		Analysis:    ptr(text),
		AppendTurns: []Turn{{Role: RoleAssistant, Agent: StageAnalyst, Content: "[Analyst] " + text}},
	}
}

// analysisContext renders the data dictionary, dataset, available assets
// and revision request as markdown sections.
func analysisContext(s State) string {
	var b strings.Builder
	if s.Schema != nil && s.Schema.Success {
		b.WriteString("## Data Dictionary\n")
		name := s.Schema.WorkbookName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "Workbook: %s\n", name)
		if len(s.Schema.Views) > 0 {
			b.WriteString("Views:\n")
			for _, v := range s.Schema.Views {
				fmt.Fprintf(&b, "  - %s\n", v.Name)
			}
		}
	}
	if csv, rows, ok := s.Retrieved.CSV(); ok {
		fmt.Fprintf(&b, "\n## Data (CSV format, %d rows)\n", rows)
		fmt.Fprintf(&b, "```csv\n%s\n```\n", csv)
	}
	if s.Retrieved != nil && s.Retrieved.Search != nil && s.Retrieved.Search.Success && s.Retrieved.Search.Results != nil {
		res := s.Retrieved.Search.Results
		b.WriteString("\n## Available Tableau Assets\n")
		writeAssets := func(title string, n int, item func(int) (string, string)) {
			if n == 0 {
				return
			}
			fmt.Fprintf(&b, "### %s\n", title)
			for i := 0; i < n && i < assetsPerTypeInCtx; i++ {
				name, luid := item(i)
				fmt.Fprintf(&b, "  - %s (LUID: %s)\n", name, luid)
			}
		}
		writeAssets("Workbooks", len(res.Workbooks), func(i int) (string, string) { return res.Workbooks[i].Name, res.Workbooks[i].LUID })
		writeAssets("Views", len(res.Views), func(i int) (string, string) { return res.Views[i].Name, res.Views[i].LUID })
		writeAssets("Datasources", len(res.Datasources), func(i int) (string, string) { return res.Datasources[i].Name, res.Datasources[i].LUID })
	}
	if notes := s.Notes(); notes != "" {
		b.WriteString("\n## Revision Requested\n")
		b.WriteString(notes + "\n")
	}
	return b.String()
}

type verdict struct {
	Status      ReviewStatus `json:"status"`
	Confidence  float64      `json:"confidence_score"`
	Issues      []string     `json:"issues"`
	Suggestions []string     `json:"suggestions"`
	Reasoning   string       `json:"reasoning"`
}

func fallbackVerdict() verdict {
	return verdict{
		Status:     StatusApproved,
		Confidence: parseFailureScore,
		Issues:     []string{parseFailureIssue},
		Reasoning:  parseFailureReason,
	}
}

func parseVerdict(text string) (verdict, error) {
	var v verdict
	if err := json.Unmarshal([]byte(llm.StripCodeFence(text)), &v); err != nil {
		return fallbackVerdict(), err
	}
	if v.Status != StatusApproved && v.Status != StatusRevisionNeeded {
		return fallbackVerdict(), fmt.Errorf("invalid status %q", v.Status)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fallbackVerdict(), fmt.Errorf("confidence_score %v out of range", v.Confidence)
	}
	return v, nil
}

// revisionNotes formats issues and suggestions for the next analysis pass.
func revisionNotes(v verdict) string {
	var lines []string
	if len(v.Issues) > 0 {
		lines = append(lines, "Issues found:")
		for _, issue := range v.Issues {
			lines = append(lines, "  - "+issue)
		}
	}
	if len(v.Suggestions) > 0 {
		lines = append(lines, "\nSuggestions:")
		for _, s := range v.Suggestions {
			lines = append(lines, "  - "+s)
		}
	}
	return strings.Join(lines, "\n")
}

// validate counts the iteration and judges the analysis. Reaching the
// iteration limit approves without consulting the provider.
func (o *Orchestrator) validate(ctx context.Context, s State) Delta {
	iteration := s.Iterations + 1
	d := Delta{Iterations: ptr(iteration)}

	if iteration >= o.maxIterations {
		o.log(ctx).Warn("critic: max iterations reached, forcing approval", "iteration", iteration, "max_iterations", o.maxIterations)
		d.Review = ptr(StatusApproved)
		d.ClearRevisionNotes = true
		d.AppendTurns = []Turn{{Role: RoleAssistant, Agent: StageCritic, Content: forcedApprovalTurn}}
		return d
	}

	analysis := s.AnalysisText()
	if analysis == "" {
		o.log(ctx).Warn("critic: no analysis result to validate", "iteration", iteration)
		d.Review = ptr(StatusApproved)
		d.ClearRevisionNotes = true
		return d
	}

	question, _ := s.FirstUserMessage()
	source := ""
	if csv, rows, ok := s.Retrieved.CSV(); ok {
		if len(csv) > csvPreviewChars {
			csv = csv[:csvPreviewChars]
		}
		source = fmt.Sprintf("\nSource data (%d rows):\n%s", rows, csv)
	}
	prompt := "## User's Original Question\n" + question +
		"\n\n## Analyst's Response\n" + analysis +
		"\n\n## Source Data\n" + source +
		"\n\nPlease validate the analyst's response. Output your assessment as JSON."

	p := o.prompts.Critic
	var v verdict
	resp, err := o.provider.Complete(ctx, llm.Request{
		System:      p.System,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		o.log(ctx).Warn("critic: provider failed, defaulting to approved", "error", err)
		v = fallbackVerdict()
	} else if v, err = parseVerdict(resp.Text); err != nil {
		o.log(ctx).Warn("critic: failed to parse response, defaulting to approved", "error", err,
			"response", logging.Truncate(resp.Text, logPreviewChars))
	}
	o.log(ctx).Info("critic: validated analysis", "status", v.Status, "confidence", v.Confidence, "iteration", iteration)

	d.Review = ptr(v.Status)
	if v.Status == StatusRevisionNeeded {
		notes := revisionNotes(v)
		d.RevisionNotes = ptr(notes)
		d.AppendTurns = []Turn{{Role: RoleAssistant, Agent: StageCritic, Content: "[Critic] Revision needed:\n" + notes}}
		return d
	}
	d.ClearRevisionNotes = true
	d.AppendTurns = []Turn{{Role: RoleAssistant, Agent: StageCritic, Content: fmt.Sprintf("[Critic] Approved (confidence: %.0f%%)", v.Confidence*100)}}
	return d
}
