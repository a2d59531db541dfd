package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/tools"
	"analytics-agent/backend/pkg/models"
)

// Dispatcher resolves tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) tools.Result
}

// Asker answers a question through the full workflow.
type Asker interface {
	Ask(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// AskName is the tool that runs the whole workflow.
const AskName = "ask"

type Server struct {
	mcpServer   *server.MCPServer
	dispatcher  Dispatcher
	asker       Asker
	hideDetails bool
}

// Option configures a Server.
type Option func(*Server)

// WithHiddenErrorDetail makes failed ask calls report a generic message
// instead of the run error.
func WithHiddenErrorDetail(hide bool) Option {
	return func(s *Server) { s.hideDetails = hide }
}

func NewServer(dispatcher Dispatcher, asker Asker, version string, maxRows int, allowedModules []string, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Analytics Agent",
			version,
			server.WithToolCapabilities(true),
		),
		dispatcher: dispatcher,
		asker:      asker,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerTools(maxRows, allowedModules)
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools(maxRows int, allowedModules []string) {
	s.mcpServer.AddTool(
		mcp.NewTool(
			tools.SearchAssetsName,
			mcp.WithDescription("Search Tableau workbooks, views and datasources by name"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Text to match against asset names")),
			mcp.WithString("asset_type", mcp.Enum("workbook", "view", "datasource", "all"), mcp.DefaultString("all"),
				mcp.Description("Type of asset to search for")),
			mcp.WithNumber("limit", mcp.DefaultNumber(10), mcp.Min(1), mcp.Max(100), mcp.Description("Maximum results per asset type")),
		),
		s.handleTool,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			tools.FetchDatasetName,
			mcp.WithDescription("Export the data behind a Tableau view as CSV"),
			mcp.WithString("view_luid", mcp.Required(), mcp.Description("LUID of the view")),
			mcp.WithObject("filters", mcp.Description("View filters as field name to value")),
			mcp.WithNumber("max_rows", mcp.DefaultNumber(float64(maxRows)), mcp.Min(1), mcp.Max(float64(maxRows)),
				mcp.Description("Maximum number of data rows")),
		),
		s.handleTool,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			tools.FetchSchemaName,
			mcp.WithDescription("List the views and data connections of a Tableau workbook"),
			mcp.WithString("workbook_luid", mcp.Required(), mcp.Description("LUID of the workbook")),
		),
		s.handleTool,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			tools.ExecuteCodeName,
			mcp.WithDescription("Run Starlark analysis code in a sandbox. Importable modules: "+strings.Join(allowedModules, ", ")),
			mcp.WithString("code", mcp.Required(), mcp.Description("The code to execute")),
			mcp.WithNumber("timeout_seconds", mcp.DefaultNumber(30), mcp.Min(5), mcp.Max(120), mcp.Description("Execution timeout in seconds")),
		),
		s.handleTool,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			AskName,
			mcp.WithDescription("Answer an analytics question end to end: route, retrieve Tableau data, analyze and validate"),
			mcp.WithString("message", mcp.Required(), mcp.Description("The question")),
			mcp.WithString("conversation_id", mcp.Description("Optional conversation ID")),
		),
		s.handleAsk,
	)
}

// handleTool decodes the arguments the same way provider tool calls are
// decoded and runs them through the dispatcher.
func (s *Server) handleTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError("Invalid arguments"), nil
	}
	call := tools.Decode(llm.ToolInvocation{ID: "mcp", Name: request.Params.Name, Arguments: raw})
	result := s.dispatcher.Dispatch(ctx, call)
	if !result.OK() {
		return mcp.NewToolResultError(result.Encode()), nil
	}
	return mcp.NewToolResultText(result.Encode()), nil
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil || message == "" {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}

	resp, err := s.asker.Ask(ctx, models.ChatRequest{
		Message:        message,
		ConversationID: request.GetString("conversation_id", ""),
	})
	if err != nil {
		if s.hideDetails {
			return mcp.NewToolResultError("Failed to answer: internal error"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to answer: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(resp)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the streamable HTTP transport at /mcp and the SSE
// transport at /mcp/sse and /mcp/message.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
