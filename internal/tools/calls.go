// Package tools decodes provider tool invocations into a closed set of call
// variants and dispatches them to the data provider or the sandbox.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/tableau"
)

// Tool names as advertised to the reasoning provider.
const (
	SearchAssetsName = "search_tableau_assets"
	FetchDatasetName = "get_view_data_as_csv"
	FetchSchemaName  = "get_data_dictionary"
	ExecuteCodeName  = "execute_code"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultMaxRows     = 50
	defaultExecTimeout = 30
	minExecTimeout     = 5
	maxExecTimeout     = 120
)

// Call is one decoded tool invocation. The variants are SearchAssets,
// FetchDataset, FetchSchema, ExecuteCode and Invalid.
type Call interface {
	// ToolName is the advertised name of the tool.
	ToolName() string
	// ID is the provider-assigned call id, echoed back with the result.
	ID() string
	sealed()
}

type callID string

func (c callID) ID() string { return string(c) }
func (callID) sealed()      {}

// SearchAssets searches workbooks, views and datasources by name.
type SearchAssets struct {
	callID
	Query     string
	AssetType string
	Limit     int
}

// FetchDataset exports a view's data as CSV.
type FetchDataset struct {
	callID
	ViewLUID string
	Filters  map[string]string
	MaxRows  int
}

// FetchSchema fetches the data dictionary of a workbook.
type FetchSchema struct {
	callID
	WorkbookLUID string
}

// ExecuteCode runs analysis code in the sandbox. Inputs is set by the caller,
// never by the provider.
type ExecuteCode struct {
	callID
	Code           string
	TimeoutSeconds int
	Inputs         map[string]string
}

// Invalid is an unknown tool or an argument payload that failed to decode.
type Invalid struct {
	callID
	Name string
	Err  error
}

func (SearchAssets) ToolName() string { return SearchAssetsName }
func (FetchDataset) ToolName() string { return FetchDatasetName }
func (FetchSchema) ToolName() string  { return FetchSchemaName }
func (ExecuteCode) ToolName() string  { return ExecuteCodeName }
func (c Invalid) ToolName() string    { return c.Name }

// ErrUnknownTool marks an invocation of a tool that is not offered.
var ErrUnknownTool = errors.New("unknown tool")

// Decode converts a provider invocation into its Call variant, applying
// defaults and bounds. It never fails; bad input yields Invalid.
func Decode(inv llm.ToolInvocation) Call {
	id := callID(inv.ID)
	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	invalid := func(err error) Call {
		return Invalid{callID: id, Name: inv.Name, Err: err}
	}

	switch inv.Name {
	case SearchAssetsName:
		var a struct {
			Query     string `json:"query"`
			AssetType string `json:"asset_type"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid(fmt.Errorf("invalid arguments: %w", err))
		}
		if strings.TrimSpace(a.Query) == "" {
			return invalid(errors.New("query is required"))
		}
		switch a.AssetType {
		case "":
			a.AssetType = tableau.AssetAll
		case tableau.AssetWorkbook, tableau.AssetView, tableau.AssetDatasource, tableau.AssetAll:
		default:
			return invalid(fmt.Errorf("asset_type must be one of workbook, view, datasource, all; got %q", a.AssetType))
		}
		if a.Limit <= 0 {
			a.Limit = defaultSearchLimit
		}
		return SearchAssets{callID: id, Query: a.Query, AssetType: a.AssetType, Limit: min(a.Limit, maxSearchLimit)}

	case FetchDatasetName:
		var a struct {
			ViewLUID string            `json:"view_luid"`
			Filters  map[string]string `json:"filters"`
			MaxRows  int               `json:"max_rows"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid(fmt.Errorf("invalid arguments: %w", err))
		}
		if a.ViewLUID == "" {
			return invalid(errors.New("view_luid is required"))
		}
		if a.MaxRows <= 0 {
			a.MaxRows = defaultMaxRows
		}
		if a.Filters == nil {
			a.Filters = map[string]string{}
		}
		return FetchDataset{callID: id, ViewLUID: a.ViewLUID, Filters: a.Filters, MaxRows: a.MaxRows}

	case FetchSchemaName:
		var a struct {
			WorkbookLUID string `json:"workbook_luid"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid(fmt.Errorf("invalid arguments: %w", err))
		}
		if a.WorkbookLUID == "" {
			return invalid(errors.New("workbook_luid is required"))
		}
		return FetchSchema{callID: id, WorkbookLUID: a.WorkbookLUID}

	case ExecuteCodeName:
		var a struct {
			Code           string `json:"code"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return invalid(fmt.Errorf("invalid arguments: %w", err))
		}
		if strings.TrimSpace(a.Code) == "" {
			return invalid(errors.New("code is required"))
		}
		if a.TimeoutSeconds == 0 {
			a.TimeoutSeconds = defaultExecTimeout
		}
		a.TimeoutSeconds = max(minExecTimeout, min(a.TimeoutSeconds, maxExecTimeout))
		return ExecuteCode{callID: id, Code: a.Code, TimeoutSeconds: a.TimeoutSeconds}
	}

	return invalid(fmt.Errorf("%w: %s", ErrUnknownTool, inv.Name))
}
