package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/sandbox"
	"analytics-agent/backend/internal/tableau"
)

// DataProvider is the dashboard data provider.
type DataProvider interface {
	Search(ctx context.Context, query, assetType string, limit int) (*tableau.SearchResult, error)
	ViewCSV(ctx context.Context, viewID string, filters map[string]string, maxRows int) (string, error)
	Workbook(ctx context.Context, workbookID string) (*tableau.WorkbookDetail, error)
}

// Executor runs sandboxed code.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Result is the outcome of one dispatched Call. Variants are
// *SearchResult, *DatasetResult, *SchemaResult, *ExecResult and
// *ErrorResult.
type Result interface {
	// Encode renders the result as the JSON text fed back to the provider.
	Encode() string
	OK() bool
	result()
}

type SearchResult struct {
	Success    bool                  `json:"success"`
	Error      string                `json:"error,omitempty"`
	Query      string                `json:"query"`
	AssetType  string                `json:"asset_type"`
	Results    *tableau.SearchResult `json:"results"`
	TotalCount int                   `json:"total_count"`
}

type DatasetResult struct {
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	ViewLUID       string            `json:"view_luid"`
	FiltersApplied map[string]string `json:"filters_applied,omitempty"`
	CSVData        string            `json:"csv_data"`
	RowCount       int               `json:"row_count"`
	Truncated      bool              `json:"truncated"`
}

type SchemaResult struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	WorkbookLUID string               `json:"workbook_luid"`
	WorkbookName string               `json:"workbook_name,omitempty"`
	ProjectName  string               `json:"project_name,omitempty"`
	Views        []tableau.ViewRef    `json:"views,omitempty"`
	Connections  []tableau.Connection `json:"connections,omitempty"`
}

type ExecResult struct {
	sandbox.Result
}

type ErrorResult struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

func (r *SearchResult) Encode() string  { return encode(r) }
func (r *DatasetResult) Encode() string { return encode(r) }
func (r *SchemaResult) Encode() string  { return encode(r) }
func (r *ExecResult) Encode() string    { return encode(r.Result) }
func (r *ErrorResult) Encode() string {
	return encode(struct {
		Success bool `json:"success"`
		*ErrorResult
	}{false, r})
}

func (r *SearchResult) OK() bool  { return r.Success }
func (r *DatasetResult) OK() bool { return r.Success }
func (r *SchemaResult) OK() bool  { return r.Success }
func (r *ExecResult) OK() bool    { return r.Success }
func (r *ErrorResult) OK() bool   { return false }

func (*SearchResult) result()  {}
func (*DatasetResult) result() {}
func (*SchemaResult) result()  {}
func (*ExecResult) result()    {}
func (*ErrorResult) result()   {}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"failed to encode tool result"}`
	}
	return string(b)
}

// Dispatcher resolves Calls. It keeps no per-run state and is safe for
// concurrent use.
type Dispatcher struct {
	data    DataProvider
	exec    Executor
	maxRows int
	logger  *logging.Logger
}

// NewDispatcher creates a Dispatcher. A nil data provider makes every data
// tool report tableau.ErrNotConfigured.
func NewDispatcher(data DataProvider, exec Executor, maxRows int, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{data: data, exec: exec, maxRows: maxRows, logger: logger}
}

// Dispatch runs one call. Provider failures are returned as unsuccessful
// results, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	switch c := call.(type) {
	case SearchAssets:
		return d.search(ctx, c)
	case FetchDataset:
		return d.dataset(ctx, c)
	case FetchSchema:
		return d.schema(ctx, c)
	case ExecuteCode:
		return d.execute(ctx, c)
	case Invalid:
		d.logger.Warn("rejected tool call", "tool", c.Name, "error", c.Err)
		return &ErrorResult{Tool: c.Name, Error: c.Err.Error()}
	default:
		return &ErrorResult{Tool: call.ToolName(), Error: ErrUnknownTool.Error()}
	}
}

func (d *Dispatcher) search(ctx context.Context, c SearchAssets) Result {
	res := &SearchResult{Query: c.Query, AssetType: c.AssetType}
	if d.data == nil {
		res.Error = tableau.ErrNotConfigured.Error()
		res.Results = &tableau.SearchResult{}
		return res
	}
	found, err := d.data.Search(ctx, c.Query, c.AssetType, c.Limit)
	if err != nil {
		d.logger.Error("asset search failed", "query", c.Query, "error", err)
		res.Error = err.Error()
		res.Results = &tableau.SearchResult{}
		return res
	}
	res.Success = true
	res.Results = found
	res.TotalCount = found.Total()
	return res
}

func (d *Dispatcher) dataset(ctx context.Context, c FetchDataset) Result {
	maxRows := c.MaxRows
	if d.maxRows > 0 && maxRows > d.maxRows {
		maxRows = d.maxRows
	}
	res := &DatasetResult{ViewLUID: c.ViewLUID}
	if d.data == nil {
		res.Error = tableau.ErrNotConfigured.Error()
		return res
	}
	csv, err := d.data.ViewCSV(ctx, c.ViewLUID, c.Filters, maxRows)
	if err != nil {
		d.logger.Error("view data fetch failed", "view_luid", c.ViewLUID, "error", err)
		res.Error = err.Error()
		return res
	}
	rows := 0
	if csv != "" {
		rows = len(strings.Split(strings.TrimSpace(csv), "\n")) - 1
	}
	d.logger.Info("retrieved view data", "view_luid", c.ViewLUID, "rows", rows)

	res.Success = true
	res.FiltersApplied = c.Filters
	res.CSVData = csv
	res.RowCount = rows
	res.Truncated = rows >= maxRows
	return res
}

func (d *Dispatcher) schema(ctx context.Context, c FetchSchema) Result {
	res := &SchemaResult{WorkbookLUID: c.WorkbookLUID}
	if d.data == nil {
		res.Error = tableau.ErrNotConfigured.Error()
		return res
	}
	wb, err := d.data.Workbook(ctx, c.WorkbookLUID)
	if err != nil {
		d.logger.Error("data dictionary fetch failed", "workbook_luid", c.WorkbookLUID, "error", err)
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.WorkbookName = wb.Name
	res.ProjectName = wb.ProjectName
	res.Views = wb.Views
	res.Connections = wb.Connections
	return res
}

func (d *Dispatcher) execute(ctx context.Context, c ExecuteCode) Result {
	if d.exec == nil {
		return &ErrorResult{Tool: ExecuteCodeName, Error: "code execution is not available"}
	}
	out := d.exec.Execute(ctx, sandbox.Request{
		Code:    c.Code,
		Timeout: time.Duration(c.TimeoutSeconds) * time.Second,
		Inputs:  c.Inputs,
	})
	return &ExecResult{Result: out}
}
