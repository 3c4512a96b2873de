package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
	"github.com/Felipeflowers17/CA-doc/internal/jobs"
	"github.com/Felipeflowers17/CA-doc/internal/portal"
)

const dateLayout = "2006-01-02"

type TenderService interface {
	Candidates(ctx context.Context) ([]*database.Tender, error)
	Relevant(ctx context.Context) ([]*database.Tender, error)
	Favorites(ctx context.Context) ([]*database.Tender, error)
	Offered(ctx context.Context) ([]*database.Tender, error)
	GetByCode(ctx context.Context, code string) (*database.Tender, error)
	SetFavorite(ctx context.Context, id int64, favorite bool) error
	SetOffered(ctx context.Context, id int64, offered bool) error
	Delete(ctx context.Context, id int64) error
}

type RunService interface {
	Start(ctx context.Context, params etl.Params) (*database.Run, error)
	Current() *database.Run
	Get(ctx context.Context, id uuid.UUID) (*database.Run, error)
	List(ctx context.Context) ([]*database.Run, error)
	Cancel() bool
}

type OutboxCounter interface {
	Counts(ctx context.Context) (database.OutboxCounts, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	tenders TenderService
	runs    RunService
	outbox  OutboxCounter
	db      Pinger
	logger  *slog.Logger
}

func NewHandlers(tenders TenderService, runs RunService, outbox OutboxCounter, db Pinger, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tenders: tenders,
		runs:    runs,
		outbox:  outbox,
		db:      db,
		logger:  logger.With("component", "api"),
	}
}

// Health reports database reachability and the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Error("health check: database unreachable", "error", err)
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "error",
				"message": "database unreachable",
			})
			return
		}
	}

	if h.outbox != nil {
		counts, err := h.outbox.Counts(ctx)
		if err != nil {
			h.logger.Error("health check: outbox counts failed", "error", err)
		} else {
			health["outbox"] = counts
			if counts.Pending > 1000 {
				health["status"] = "warning"
				health["message"] = "High number of pending outbox events"
			}
			if counts.DeadLetter > 100 {
				health["status"] = "error"
				health["message"] = "High number of dead letter events"
				status = http.StatusServiceUnavailable
			}
		}
	}

	if run := h.runs.Current(); run != nil {
		health["current_run"] = run.ID
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) listTenders(list func(context.Context) ([]*database.Tender, error), view string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenders, err := list(r.Context())
		if err != nil {
			h.logger.Error("failed to list tenders", "view", view, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to list tenders")
			return
		}
		h.respondJSON(w, http.StatusOK, tenders)
	}
}

func (h *Handlers) Candidates() http.HandlerFunc { return h.listTenders(h.tenders.Candidates, "candidates") }
func (h *Handlers) Relevant() http.HandlerFunc   { return h.listTenders(h.tenders.Relevant, "relevant") }
func (h *Handlers) Favorites() http.HandlerFunc  { return h.listTenders(h.tenders.Favorites, "favorites") }
func (h *Handlers) Offered() http.HandlerFunc    { return h.listTenders(h.tenders.Offered, "offered") }

func (h *Handlers) GetTender(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "tender")
	tender, err := h.tenders.GetByCode(r.Context(), code)
	if err != nil {
		h.respondStoreError(w, err, "tender not found", "failed to get tender")
		return
	}
	h.respondJSON(w, http.StatusOK, tender)
}

func (h *Handlers) setFlag(set func(context.Context, int64, bool) error, value bool, flag string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.tenderID(w, r)
		if !ok {
			return
		}
		if err := set(r.Context(), id, value); err != nil {
			h.logger.Error("failed to update tracking", "id", id, "flag", flag, "error", err)
			h.respondStoreError(w, err, "tender not found", "failed to update tender")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) MarkFavorite() http.HandlerFunc   { return h.setFlag(h.tenders.SetFavorite, true, "favorite") }
func (h *Handlers) UnmarkFavorite() http.HandlerFunc { return h.setFlag(h.tenders.SetFavorite, false, "favorite") }
func (h *Handlers) MarkOffered() http.HandlerFunc    { return h.setFlag(h.tenders.SetOffered, true, "offered") }
func (h *Handlers) UnmarkOffered() http.HandlerFunc  { return h.setFlag(h.tenders.SetOffered, false, "offered") }

func (h *Handlers) DeleteTender(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenderID(w, r)
	if !ok {
		return
	}
	if err := h.tenders.Delete(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "tender not found", "failed to delete tender")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) tenderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tender"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid tender id")
		return 0, false
	}
	return id, true
}

// CreateRunRequest starts an ETL run. Dates are YYYY-MM-DD.
type CreateRunRequest struct {
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	MaxPages int    `json:"max_pages"`
}

func (req CreateRunRequest) params() (etl.Params, error) {
	from, err := time.ParseInLocation(dateLayout, req.DateFrom, portal.Location)
	if err != nil {
		return etl.Params{}, errors.New("date_from must be YYYY-MM-DD")
	}
	to, err := time.ParseInLocation(dateLayout, req.DateTo, portal.Location)
	if err != nil {
		return etl.Params{}, errors.New("date_to must be YYYY-MM-DD")
	}
	p := etl.Params{From: from, To: to, MaxPages: req.MaxPages}
	if err := p.Validate(); err != nil {
		return etl.Params{}, err
	}
	return p, nil
}

func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params, err := req.params()
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.runs.Start(r.Context(), params)
	if err != nil {
		if errors.Is(err, jobs.ErrRunInProgress) {
			h.respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to start run", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.respondJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) CurrentRun(w http.ResponseWriter, r *http.Request) {
	run := h.runs.Current()
	if run == nil {
		h.respondError(w, http.StatusNotFound, "no run in progress")
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if !h.runs.Cancel() {
		h.respondError(w, http.StatusNotFound, "no run in progress")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "run not found", "failed to get run")
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, err error, notFound, internal string) {
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, notFound)
		return
	}
	h.logger.Error(internal, "error", err)
	h.respondError(w, http.StatusInternalServerError, internal)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
