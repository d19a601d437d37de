// Package testshandler serves tests and results from the primary store.
package testshandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/coaching-backup/api"
	"github.com/ruteri/coaching-backup/datamanager"
	"github.com/ruteri/coaching-backup/interfaces"
)

const maxBodySize = 1 << 20

// DataManager is the subset of datamanager.Manager used by the handler.
type DataManager interface {
	GetAllTests(ctx context.Context) ([]interfaces.Test, error)
	GetPublishedTests(ctx context.Context) ([]interfaces.Test, error)
	GetTest(ctx context.Context, id string) (*interfaces.Test, error)
	GetResults(ctx context.Context, testID string) ([]interfaces.Result, error)
	SaveTest(ctx context.Context, test *interfaces.Test) error
	SaveResult(ctx context.Context, result *interfaces.Result) error
}

type Handler struct {
	data DataManager
	now  func() time.Time
	log  *slog.Logger
}

func NewHandler(data DataManager, log *slog.Logger) *Handler {
	return &Handler{data: data, now: time.Now, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/tests", h.HandleListTests)
	r.Post("/api/tests", h.HandleSaveTest)
	r.Get("/api/tests/published", h.HandleListPublished)
	r.Get("/api/tests/{id}", h.HandleGetTest)
	r.Get("/api/tests/{id}/results", h.HandleListResults)
	r.Post("/api/tests/{id}/results", h.HandleSubmitResult)
}

func (h *Handler) HandleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.data.GetAllTests(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tests))
}

func (h *Handler) HandleListPublished(w http.ResponseWriter, r *http.Request) {
	tests, err := h.data.GetPublishedTests(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tests))
}

func (h *Handler) HandleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := h.data.GetTest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

// HandleSaveTest creates or replaces a test. A missing id is generated.
//
// URL format: POST /api/tests
func (h *Handler) HandleSaveTest(w http.ResponseWriter, r *http.Request) {
	var test interfaces.Test
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&test); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("invalid test body: %v", err)})
		return
	}
	if test.ID == "" {
		test.ID = uuid.NewString()
	}

	if err := h.data.SaveTest(r.Context(), &test); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.TestResponse{Success: true, Test: &test})
}

func (h *Handler) HandleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.data.GetResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(results))
}

// HandleSubmitResult records a submission for the test in the path. When answers are
// given the score is computed from the test; the max score always comes from the test.
//
// URL format: POST /api/tests/{id}/results
func (h *Handler) HandleSubmitResult(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "id")

	var result interfaces.Result
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&result); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("invalid result body: %v", err)})
		return
	}
	if result.TestID != "" && result.TestID != testID {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "result test id does not match path"})
		return
	}
	result.TestID = testID

	test, err := h.data.GetTest(r.Context(), testID)
	if err != nil {
		h.fail(w, err)
		return
	}

	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.SubmittedAt.IsZero() {
		result.SubmittedAt = h.now().UTC()
	}
	result.MaxScore = test.MaxScore()
	if len(result.Answers) > 0 {
		result.Score = test.Grade(result.Answers)
	}

	if err := h.data.SaveResult(r.Context(), &result); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ResultResponse{Success: true, Result: &result})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrInvalidEntity):
		code = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, interfaces.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, datamanager.ErrClosed):
		code = http.StatusServiceUnavailable
	default:
		h.log.Error("Primary store request failed", "err", err)
	}
	writeJSON(w, code, api.ErrorResponse{Error: err.Error()})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
