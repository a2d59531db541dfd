package tools

import (
	"strings"

	"analytics-agent/backend/internal/llm"
)

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// DataToolSpecs are the three data provider tools bound during retrieval.
func DataToolSpecs(maxRows int) []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name: SearchAssetsName,
			Description: "Search for Tableau assets (workbooks, views, datasources) by name. " +
				"Returns metadata, including LUIDs, that can be used with the other tools.",
			Parameters: map[string]any{
				"query": stringProp("Search query string matched against asset names"),
				"asset_type": map[string]any{
					"type":        "string",
					"enum":        []string{"workbook", "view", "datasource", "all"},
					"description": "Type of asset to search for",
					"default":     "all",
				},
				"limit": map[string]any{
					"type": "integer", "minimum": 1, "maximum": maxSearchLimit, "default": defaultSearchLimit,
					"description": "Maximum number of results per asset type",
				},
			},
			Required: []string{"query"},
		},
		{
			Name:        FetchDatasetName,
			Description: "Get the underlying tabular data of a Tableau view as CSV.",
			Parameters: map[string]any{
				"view_luid": stringProp("The LUID of the view"),
				"filters": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
					"description":          "Optional filters to apply (field name to value)",
				},
				"max_rows": map[string]any{
					"type": "integer", "minimum": 1, "maximum": maxRows, "default": min(defaultMaxRows, maxRows),
					"description": "Maximum number of data rows to return",
				},
			},
			Required: []string{"view_luid"},
		},
		{
			Name:        FetchSchemaName,
			Description: "Get the data dictionary (views and data connections) for a Tableau workbook.",
			Parameters: map[string]any{
				"workbook_luid": stringProp("The LUID of the workbook"),
			},
			Required: []string{"workbook_luid"},
		},
	}
}

// CodeToolSpecs is the single sandbox tool bound during analysis.
func CodeToolSpecs(allowedModules []string) []llm.ToolSpec {
	return []llm.ToolSpec{{
		Name: ExecuteCodeName,
		Description: "Execute Starlark (Python-like) analysis code in a sandbox. Use print() for output and " +
			"assign the final value to `result`. The retrieved CSV is available as inputs[\"csv_data\"]; " +
			"parse it with table.read_csv. Importable modules: " + strings.Join(allowedModules, ", ") + ".",
		Parameters: map[string]any{
			"code": stringProp("The code to execute"),
			"timeout_seconds": map[string]any{
				"type": "integer", "minimum": minExecTimeout, "maximum": maxExecTimeout, "default": defaultExecTimeout,
				"description": "Execution timeout in seconds",
			},
		},
		Required: []string{"code"},
	}}
}
