package workflow

import (
	"slices"

	"analytics-agent/backend/internal/tools"
)

// QueryKind is the routing decision made by Classify.
type QueryKind string

const (
	KindTableau QueryKind = "tableau"
	KindGeneral QueryKind = "general"
	KindHybrid  QueryKind = "hybrid"
)

// Valid reports whether k is one of the known kinds.
func (k QueryKind) Valid() bool {
	switch k {
	case KindTableau, KindGeneral, KindHybrid:
		return true
	}
	return false
}

// ReviewStatus is the critic's verdict on the current analysis.
type ReviewStatus string

const (
	StatusPending        ReviewStatus = "pending"
	StatusApproved       ReviewStatus = "approved"
	StatusRevisionNeeded ReviewStatus = "revision_needed"
)

// TurnRole tags the author of a Turn.
type TurnRole string

const (
	RoleUser       TurnRole = "user"
	RoleAssistant  TurnRole = "assistant"
	RoleToolResult TurnRole = "tool_result"
)

// Turn is one conversation entry. Agent names the stage that produced an
// assistant turn.
type Turn struct {
	Role    TurnRole `json:"role"`
	Agent   string   `json:"agent,omitempty"`
	Content string   `json:"content"`
}

// Retrieved data keys, as reported in stream events.
const (
	KeySearchResults = "search_results"
	KeyCSVData       = "csv_data"
)

// RetrievedData holds the latest result of each retrieval tool.
type RetrievedData struct {
	Search  *tools.SearchResult  `json:"search_results,omitempty"`
	Dataset *tools.DatasetResult `json:"csv_data,omitempty"`
}

// Keys lists the populated entries.
func (r *RetrievedData) Keys() []string {
	keys := []string{}
	if r == nil {
		return keys
	}
	if r.Search != nil {
		keys = append(keys, KeySearchResults)
	}
	if r.Dataset != nil {
		keys = append(keys, KeyCSVData)
	}
	return keys
}

// CSV returns the retrieved dataset text when the fetch succeeded.
func (r *RetrievedData) CSV() (csv string, rows int, ok bool) {
	if r == nil || r.Dataset == nil || !r.Dataset.Success {
		return "", 0, false
	}
	return r.Dataset.CSVData, r.Dataset.RowCount, true
}

// State is the record threaded through one run. Stages never modify a
// State; they return a Delta which the orchestrator applies with Merge.
type State struct {
	Turns         []Turn              `json:"turns"`
	QueryKind     QueryKind           `json:"query_kind,omitempty"`
	Retrieved     *RetrievedData      `json:"retrieved_data,omitempty"`
	Schema        *tools.SchemaResult `json:"schema_info,omitempty"`
	Analysis      *string             `json:"analysis_output,omitempty"`
	Review        ReviewStatus        `json:"review_status"`
	RevisionNotes *string             `json:"revision_notes,omitempty"`
	Iterations    int                 `json:"iteration_count"`
}

// NewState starts a run from a single user message.
func NewState(message string) State {
	return State{
		Turns:  []Turn{{Role: RoleUser, Content: message}},
		Review: StatusPending,
	}
}

// AnalysisText is the analysis output, or "" when absent.
func (s State) AnalysisText() string {
	if s.Analysis == nil {
		return ""
	}
	return *s.Analysis
}

// Notes is the revision notes text, or "" when absent.
func (s State) Notes() string {
	if s.RevisionNotes == nil {
		return ""
	}
	return *s.RevisionNotes
}

// LatestUserMessage returns the most recent user turn.
func (s State) LatestUserMessage() (string, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i].Content, true
		}
	}
	return "", false
}

// FirstUserMessage returns the original question of the run.
func (s State) FirstUserMessage() (string, bool) {
	for _, t := range s.Turns {
		if t.Role == RoleUser {
			return t.Content, true
		}
	}
	return "", false
}

// Delta is a stage's contribution to the State. Nil fields are left
// untouched.
type Delta struct {
	AppendTurns        []Turn
	QueryKind          *QueryKind
	Retrieved          *RetrievedData
	Schema             *tools.SchemaResult
	Analysis           *string
	Review             *ReviewStatus
	RevisionNotes      *string
	ClearRevisionNotes bool
	Iterations         *int
}

// Merge applies d to s and returns the new State. Turns are appended; every
// other field is overwritten when present in d. QueryKind is only ever set
// once. s is not modified.
func Merge(s State, d Delta) State {
	out := s
	out.Turns = append(slices.Clone(s.Turns), d.AppendTurns...)
	if d.QueryKind != nil && s.QueryKind == "" {
		out.QueryKind = *d.QueryKind
	}
	if d.Retrieved != nil {
		out.Retrieved = d.Retrieved
	}
	if d.Schema != nil {
		out.Schema = d.Schema
	}
	if d.Analysis != nil {
		out.Analysis = d.Analysis
	}
	if d.Review != nil {
		out.Review = *d.Review
	}
	switch {
	case d.ClearRevisionNotes:
		out.RevisionNotes = nil
	case d.RevisionNotes != nil:
		out.RevisionNotes = d.RevisionNotes
	}
	if d.Iterations != nil {
		out.Iterations = *d.Iterations
	}
	return out
}

func ptr[T any](v T) *T { return &v }
