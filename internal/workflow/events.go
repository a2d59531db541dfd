package workflow

// EventKind names an event in the streaming protocol.
type EventKind string

const (
	EventAgentStart EventKind = "agent_start"
	EventToolResult EventKind = "tool_result"
	EventValidation EventKind = "validation"
	EventToken      EventKind = "token"
	EventError      EventKind = "error"
	EventHeartbeat  EventKind = "heartbeat"
	EventComplete   EventKind = "complete"
	EventDone       EventKind = "done"
)

// Event is one unit of the streaming protocol. Data is one of the payload
// types below and is encoded as JSON on the wire.
type Event struct {
	Kind EventKind `json:"event"`
	Data any       `json:"data"`
}

type AgentStartData struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

type RouterResultData struct {
	Agent     string    `json:"agent"`
	QueryKind QueryKind `json:"query_type"`
}

type ResearcherResultData struct {
	Agent         string   `json:"agent"`
	DataRetrieved bool     `json:"data_retrieved"`
	DataKeys      []string `json:"data_keys"`
}

type AnalystResultData struct {
	Agent     string `json:"agent"`
	HasResult bool   `json:"has_result"`
}

type TokenData struct {
	Content string `json:"content"`
}

type ValidationData struct {
	Status         ReviewStatus `json:"status"`
	Iteration      int          `json:"iteration"`
	RevisionNeeded bool         `json:"revision_needed"`
}

type ErrorData struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

type HeartbeatData struct {
	Timestamp string `json:"timestamp"`
}

type CompleteData struct {
	Content    string    `json:"content"`
	QueryKind  QueryKind `json:"query_kind"`
	Iterations int       `json:"iterations"`
}

type DoneData struct{}

// CompleteEvent builds the completion event for a final state. Iterations
// is reported as at least 1.
func CompleteEvent(s State) Event {
	iterations := s.Iterations
	if iterations == 0 {
		iterations = 1
	}
	return Event{Kind: EventComplete, Data: CompleteData{
		Content:    s.AnalysisText(),
		QueryKind:  s.QueryKind,
		Iterations: iterations,
	}}
}

// ErrorEvent reports a run failure.
func ErrorEvent(msg, errType string) Event {
	return Event{Kind: EventError, Data: ErrorData{Error: msg, Type: errType}}
}

// DoneEvent terminates a stream.
func DoneEvent() Event {
	return Event{Kind: EventDone, Data: DoneData{}}
}
