package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/repository"
	"analytics-agent/backend/internal/workflow"
	"analytics-agent/backend/pkg/models"
)

type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) Ask(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*models.ChatResponse)
	return resp, args.Error(1)
}

func (m *MockChatService) Stream(ctx context.Context, req models.ChatRequest) (string, <-chan workflow.Event, error) {
	args := m.Called(ctx, req)
	events, _ := args.Get(1).(<-chan workflow.Event)
	return args.String(0), events, args.Error(2)
}

func (m *MockChatService) Runs(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	args := m.Called(ctx, limit)
	runs, _ := args.Get(0).([]*models.RunRecord)
	return runs, args.Error(1)
}

func (m *MockChatService) Run(ctx context.Context, runID string) (*models.RunRecord, error) {
	args := m.Called(ctx, runID)
	run, _ := args.Get(0).(*models.RunRecord)
	return run, args.Error(1)
}

func testConfig(env string) *config.Config {
	cfg := &config.Config{Environment: env}
	cfg.LLM.Model = "gpt-4o"
	cfg.Agent.MaxIterations = 3
	cfg.Agent.MaxRows = 50
	cfg.Stream.HeartbeatInterval = 15
	return cfg
}

func newTestEcho(chat ChatService, cfg *config.Config, protect echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(cfg.IsProduction(), logging.Nop())
	if protect == nil {
		protect = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	NewHandler(chat, cfg, nil).Register(e, protect)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	e := newTestEcho(new(MockChatService), testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, "gpt-4o", body.Model)
	assert.Equal(t, config.EnvDevelopment, body.Environment)
}

func TestHandleConfig(t *testing.T) {
	e := newTestEcho(new(MockChatService), testConfig(config.EnvStaging), nil)

	rec := do(e, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"max_revision_iterations":3,"max_csv_rows":50,"sse_heartbeat_interval":15,"environment":"staging"}`, rec.Body.String())
}

func TestHandleChatSync(t *testing.T) {
	chat := new(MockChatService)
	chat.On("Ask", mock.Anything, models.ChatRequest{Message: "What is 6 times 7?"}).
		Return(&models.ChatResponse{Success: true, RunID: "r1", Response: "42", QueryKind: "general", Iterations: 1, ValidationStatus: "approved"}, nil)
	e := newTestEcho(chat, testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodPost, "/api/chat/sync", `{"message":"What is 6 times 7?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"query_kind":"general"`)
	assert.NotContains(t, rec.Body.String(), `"query_type"`)

	var body models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "42", body.Response)
	chat.AssertExpectations(t)
}

func TestHandleChatSync_Validation(t *testing.T) {
	chat := new(MockChatService)
	e := newTestEcho(chat, testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodPost, "/api/chat/sync", `{"message":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusUnprocessableEntity, problem.Status)
	assert.Contains(t, problem.Detail, "message is required")

	rec = do(e, http.MethodPost, "/api/chat/sync", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/chat/sync", `{"message":"`+strings.Repeat("x", models.MaxMessageLength+1)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	chat.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything)
}

func TestHandleChatSync_InternalErrorDetail(t *testing.T) {
	tests := []struct {
		env        string
		wantDetail string
	}{
		{config.EnvDevelopment, "stage analyst failed: panic: boom"},
		{config.EnvProduction, ""},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			chat := new(MockChatService)
			chat.On("Ask", mock.Anything, mock.Anything).
				Return(nil, &workflow.StageError{Stage: "analyst", Err: errors.New("panic: boom")})
			e := newTestEcho(chat, testConfig(tt.env), nil)

			rec := do(e, http.MethodPost, "/api/chat/sync", `{"message":"q"}`)
			require.Equal(t, http.StatusInternalServerError, rec.Code)

			var body models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, "Internal server error", body.Error)
			assert.Equal(t, tt.wantDetail, body.Detail)
		})
	}
}

func TestHandleChat_StreamsEvents(t *testing.T) {
	events := make(chan workflow.Event, 4)
	events <- workflow.Event{Kind: workflow.EventAgentStart, Data: workflow.AgentStartData{Agent: "router", Status: "running"}}
	events <- workflow.Event{Kind: workflow.EventComplete, Data: workflow.CompleteData{Content: "42", QueryKind: workflow.KindGeneral, Iterations: 1}}
	events <- workflow.DoneEvent()
	close(events)

	chat := new(MockChatService)
	chat.On("Stream", mock.Anything, models.ChatRequest{Message: "q", ConversationID: "c1"}).
		Return("run-1", (<-chan workflow.Event)(events), nil)
	e := newTestEcho(chat, testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodPost, "/api/chat", `{"message":"q","conversation_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "no-cache", rec.Header().Get(echo.HeaderCacheControl))
	assert.Equal(t, "run-1", rec.Header().Get("X-Run-ID"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: agent_start\ndata: "))
	assert.Contains(t, body, "event: complete\ndata: {\"content\":\"42\",\"query_kind\":\"general\",\"iterations\":1}\n\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {}\n\n"))
}

func TestHandleChat_StageErrorDetail(t *testing.T) {
	tests := []struct {
		env        string
		wantError  string
		leaksPanic bool
	}{
		{config.EnvDevelopment, "stage analyst failed: panic: runtime error: index out of range", true},
		{config.EnvProduction, "Internal server error", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			events := make(chan workflow.Event, 3)
			events <- workflow.Event{Kind: workflow.EventAgentStart, Data: workflow.AgentStartData{Agent: "analyst", Status: "running"}}
			events <- workflow.ErrorEvent("stage analyst failed: panic: runtime error: index out of range", "StageError")
			events <- workflow.DoneEvent()
			close(events)

			chat := new(MockChatService)
			chat.On("Stream", mock.Anything, mock.Anything).Return("run-2", (<-chan workflow.Event)(events), nil)
			e := newTestEcho(chat, testConfig(tt.env), nil)

			rec := do(e, http.MethodPost, "/api/chat", `{"message":"q"}`)
			require.Equal(t, http.StatusOK, rec.Code)

			body := rec.Body.String()
			data, err := json.Marshal(workflow.ErrorData{Error: tt.wantError, Type: "StageError"})
			require.NoError(t, err)
			assert.Contains(t, body, "event: error\ndata: "+string(data)+"\n\n")
			assert.Equal(t, tt.leaksPanic, strings.Contains(body, "panic"))
			assert.True(t, strings.HasSuffix(body, "event: done\ndata: {}\n\n"))
		})
	}
}

func TestHandleChat_ServiceFailure(t *testing.T) {
	chat := new(MockChatService)
	chat.On("Stream", mock.Anything, mock.Anything).Return("", nil, errors.New("not ready"))
	e := newTestEcho(chat, testConfig(config.EnvProduction), nil)

	rec := do(e, http.MethodPost, "/api/chat", `{"message":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "not ready")
}

func TestHandleRuns(t *testing.T) {
	chat := new(MockChatService)
	chat.On("Runs", mock.Anything, 5).Return([]*models.RunRecord{{RunID: "r1", Success: true}}, nil)
	chat.On("Runs", mock.Anything, 0).Return([]*models.RunRecord{}, nil)
	chat.On("Run", mock.Anything, "r1").Return(&models.RunRecord{RunID: "r1"}, nil)
	chat.On("Run", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	e := newTestEcho(chat, testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodGet, "/api/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"r1"`)

	rec = do(e, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = do(e, http.MethodGet, "/api/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/api/runs/r1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegister_ProtectsChatRoutes(t *testing.T) {
	deny := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
	}
	chat := new(MockChatService)
	e := newTestEcho(chat, testConfig(config.EnvDevelopment), deny)

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/api/chat/sync", `{"message":"q"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/runs", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/openapi.yaml", "").Code)
}

func TestHandleSpec(t *testing.T) {
	e := newTestEcho(new(MockChatService), testConfig(config.EnvDevelopment), nil)

	rec := do(e, http.MethodGet, "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Body.String(), "/api/chat/sync:")
}
