package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/repository"
	"analytics-agent/backend/internal/workflow"
	"analytics-agent/backend/pkg/models"
)

// ErrInvalidMessage is returned for empty or oversized chat messages.
var ErrInvalidMessage = errors.New("invalid message")

const ledgerTimeout = 5 * time.Second

// ChatService answers chat requests through the workflow and records every
// run in the ledger.
type ChatService struct {
	runner Runner
	store  repository.RunStore
	logger *logging.Logger
}

// NewChatService creates a new ChatService. A nil store disables the ledger.
func NewChatService(runner Runner, store repository.RunStore, logger *logging.Logger) *ChatService {
	if store == nil {
		store = repository.NopStore{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ChatService{runner: runner, store: store, logger: logger}
}

// Validate checks a chat request.
func Validate(req models.ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(req.Message); n > models.MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, at most %d allowed", ErrInvalidMessage, n, models.MaxMessageLength)
	}
	return nil
}

func (s *ChatService) begin(ctx context.Context, req models.ChatRequest) (context.Context, *models.RunRecord) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	rec := &models.RunRecord{
		RunID:          uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
	s.logger.Info("chat: received request", "run_id", rec.RunID, "conversation_id", conversationID,
		"message", logging.Truncate(req.Message, 100))
	return workflow.WithRunID(ctx, rec.RunID), rec
}

// Ask runs the workflow to completion.
func (s *ChatService) Ask(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	ctx, rec := s.begin(ctx, req)

	final, err := s.runner.Run(ctx, req.Message)
	rec.DurationMS = time.Since(rec.CreatedAt).Milliseconds()
	rec.QueryKind = string(final.QueryKind)
	rec.Iterations = final.Iterations
	rec.ValidationStatus = string(final.Review)
	if err != nil {
		rec.ErrorType = errorType(ctx, err)
		s.record(ctx, rec)
		return nil, fmt.Errorf("run %s failed: %w", rec.RunID, err)
	}
	rec.Success = true
	s.record(ctx, rec)

	iterations := final.Iterations
	if iterations == 0 {
		iterations = 1
	}
	return &models.ChatResponse{
		Success:          true,
		RunID:            rec.RunID,
		ConversationID:   rec.ConversationID,
		Response:         final.AnalysisText(),
		QueryKind:        string(final.QueryKind),
		Iterations:       iterations,
		ValidationStatus: string(final.Review),
	}, nil
}

// Stream starts a run and returns its run id and events. The ledger entry
// is written once the event channel closes.
func (s *ChatService) Stream(ctx context.Context, req models.ChatRequest) (string, <-chan workflow.Event, error) {
	if err := Validate(req); err != nil {
		return "", nil, err
	}
	ctx, rec := s.begin(ctx, req)
	src := s.runner.Stream(ctx, req.Message)

	out := make(chan workflow.Event)
	go func() {
		defer close(out)
		finished := false
		for e := range src {
			switch d := e.Data.(type) {
			case workflow.RouterResultData:
				rec.QueryKind = string(d.QueryKind)
			case workflow.ValidationData:
				rec.ValidationStatus = string(d.Status)
				rec.Iterations = d.Iteration
			case workflow.CompleteData:
				rec.Success = true
				finished = true
			case workflow.ErrorData:
				rec.ErrorType = d.Type
				finished = true
			}
			select {
			case out <- e:
			case <-ctx.Done():
			}
		}
		if !finished {
			rec.ErrorType = "Cancelled"
		}
		rec.DurationMS = time.Since(rec.CreatedAt).Milliseconds()
		s.record(ctx, rec)
	}()
	return rec.RunID, out, nil
}

// Runs lists recent ledger entries.
func (s *ChatService) Runs(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	return s.store.List(ctx, repository.ClampLimit(limit))
}

// Run returns one ledger entry.
func (s *ChatService) Run(ctx context.Context, runID string) (*models.RunRecord, error) {
	return s.store.Get(ctx, runID)
}

// record saves rec even when the request context is already cancelled.
func (s *ChatService) record(ctx context.Context, rec *models.RunRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("chat: failed to record run", "run_id", rec.RunID, "error", err)
	}
}

func errorType(ctx context.Context, err error) string {
	var se *workflow.StageError
	switch {
	case errors.As(err, &se):
		return "StageError"
	case ctx.Err() != nil:
		return "Cancelled"
	}
	return "InternalError"
}
