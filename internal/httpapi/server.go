// Package httpapi exposes the submission service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proposalhub/storage/internal/auth"
	"github.com/proposalhub/storage/internal/screening"
	"github.com/proposalhub/storage/internal/submission"
)

// Form fields of POST /proposal/submit.
const (
	FieldProposal     = "proposal"
	FieldSubmitter    = "submitter"
	FieldProposalCode = "proposal_code"
)

// multipartMemory is how much of a form is kept in memory before spilling to
// temporary files.
const multipartMemory = 32 << 20

// Submitter starts submissions.
type Submitter interface {
	Submit(ctx context.Context, content io.ReadSeeker, submitter string, proposalCode *string) (uuid.UUID, error)
}

// Reader reads submission state.
type Reader interface {
	GetSubmission(ctx context.Context, id uuid.UUID) (*submission.Submission, error)
	ListLog(ctx context.Context, id uuid.UUID, afterEntry int) ([]submission.LogEntry, error)
}

// Deps are the collaborators of the router. Scanner and Metrics may be nil.
type Deps struct {
	Gate           func(http.Handler) http.Handler
	Submitter      Submitter
	Reader         Reader
	Scanner        screening.Scanner
	Metrics        http.Handler
	MaxUploadBytes int64
}

type server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter wires the public routes. Only /healthz and /metrics bypass the gate.
func NewRouter(deps Deps) http.Handler {
	s := &server{
		deps:   deps,
		logger: log.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		if deps.Gate != nil {
			r.Use(deps.Gate)
		}
		r.Post("/proposal/submit", s.handleSubmit)
		r.Get("/proposal/submissions/{id}", s.handleGetSubmission)
		r.Get("/proposal/submissions/{id}/log", s.handleListLog)
	})
	return r
}

type submitResponse struct {
	SubmissionID string `json:"submission_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.deps.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "The submitted proposal is too large."})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "The request must be a multipart form."})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(FieldProposal)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "The proposal file is missing."})
		return
	}
	defer file.Close()

	submitter := strings.TrimSpace(r.FormValue(FieldSubmitter))
	if submitter == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "The submitter is missing."})
		return
	}
	var proposalCode *string
	if code := strings.TrimSpace(r.FormValue(FieldProposalCode)); code != "" {
		proposalCode = &code
	}

	logger := s.logger.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("submitter", submitter).
		Str("file_name", header.Filename).
		Logger()
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		logger = logger.With().Str("user", claims.Username).Logger()
	}

	if msg := s.screen(r.Context(), logger, header.Filename, header.Size, file); msg != "" {
		writeJSON(w, http.StatusOK, submitResponse{Error: msg})
		return
	}

	id, err := s.deps.Submitter.Submit(r.Context(), file, submitter, proposalCode)
	if err != nil {
		logger.Error().Err(err).Msg("submission rejected")
		writeJSON(w, http.StatusOK, submitResponse{Error: submitErrorMessage(err, submitter, proposalCode)})
		return
	}
	logger.Info().Str("submission_id", id.String()).Msg("submission accepted")
	writeJSON(w, http.StatusOK, submitResponse{SubmissionID: id.String()})
}

// screen returns a caller-facing message when the upload must be refused.
func (s *server) screen(ctx context.Context, logger zerolog.Logger, name string, size int64, content io.Reader) string {
	if s.deps.Scanner == nil {
		return ""
	}
	err := s.deps.Scanner.ScanFile(ctx, name, size)
	if err == nil {
		err = s.deps.Scanner.ScanContent(ctx, content)
	}
	if err == nil {
		return ""
	}

	var violation *screening.Violation
	if !errors.As(err, &violation) {
		logger.Error().Err(err).Msg("screening upload failed")
		return "The submitted content could not be read."
	}
	if !s.deps.Scanner.Enforced() {
		logger.Warn().Str("rule", violation.Rule).Str("detail", violation.Detail).Msg("screening violation (monitor mode)")
		return ""
	}
	logger.Warn().Str("rule", violation.Rule).Str("detail", violation.Detail).Msg("upload blocked by screening")
	return violation.Error()
}

func submitErrorMessage(err error, submitter string, proposalCode *string) string {
	switch {
	case errors.Is(err, submission.ErrUnknownSubmitter):
		return "Unknown submitter: " + submitter
	case errors.Is(err, submission.ErrUnknownProposal) && proposalCode != nil:
		return "Unknown proposal code: " + *proposalCode
	case errors.Is(err, submission.ErrDatabase):
		return "The submission could not be recorded."
	default:
		return "The submission could not be started."
	}
}

func (s *server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSubmissionID(w, r)
	if !ok {
		return
	}
	sub, err := s.deps.Reader.GetSubmission(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type logResponse struct {
	SubmissionID string                `json:"submission_id"`
	Entries      []submission.LogEntry `json:"entries"`
}

func (s *server) handleListLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSubmissionID(w, r)
	if !ok {
		return
	}
	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "from must be a non-negative integer"})
			return
		}
		from = n
	}
	entries, err := s.deps.Reader.ListLog(r.Context(), id, from)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	if entries == nil {
		entries = []submission.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logResponse{SubmissionID: id.String(), Entries: entries})
}

func parseSubmissionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid submission id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *server) writeLookupError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, submission.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "submission not found"})
		return
	}
	s.logger.Error().Err(err).Str("submission_id", id.String()).Msg("reading submission failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
