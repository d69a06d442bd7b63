// Package http exposes the coordinator's REST surface. Handlers are thin:
// they authenticate the bearer token, decode the request, call into the
// core process, and map domain errors to status codes. All state decisions
// live in core.
package http

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zkceremony/coordinator/ceremony"
	"github.com/zkceremony/coordinator/core"
	"github.com/zkceremony/coordinator/log"
	"github.com/zkceremony/coordinator/metrics"
)

// Server routes coordinator operations over HTTP.
type Server struct {
	process *core.Process
	log     log.Logger
}

// New builds the instrumented handler serving the /v2 API.
func New(process *core.Process, l log.Logger) http.Handler {
	s := &Server{process: process, log: l.Named("http")}

	r := chi.NewRouter()
	r.Route("/v2", func(r chi.Router) {
		r.Post("/ceremonies", s.createCeremony)
		r.Get("/ceremonies/{id}", s.getCeremony)
		r.Get("/ceremonies/{id}/circuits", s.getCircuits)
		r.Get("/ceremonies/{id}/echo", s.echoCeremony)
		r.Post("/ceremonies/{id}/close", s.closeCeremony)
		r.Post("/ceremonies/{id}/finalize", s.finalizeCeremony)
		r.Post("/circuits/{id}/slot", s.requestSlot)
		r.Delete("/circuits/{id}/slot", s.abandonSlot)
		r.Post("/circuits/{id}/contributions", s.submitContribution)
		r.Post("/sweep", s.sweep)
	})

	return promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, r))
}

// CircuitRequest is one circuit entry of a ceremony creation request.
type CircuitRequest struct {
	Name                   string `json:"name"`
	SequencePosition       int    `json:"sequencePosition"`
	DynamicThreshold       uint32 `json:"dynamicThreshold,omitempty"`
	FixedTimeWindowMinutes uint32 `json:"fixedTimeWindowMinutes,omitempty"`
}

// CeremonyRequest is the body of POST /v2/ceremonies. The coordinator id is
// taken from the session, never from the body.
type CeremonyRequest struct {
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	StartTime        time.Time        `json:"startTime"`
	EndTime          time.Time        `json:"endTime"`
	TimeoutMechanism string           `json:"timeoutMechanism"`
	PenaltyMinutes   uint32           `json:"penaltyMinutes"`
	Circuits         []CircuitRequest `json:"circuits"`
}

// CeremonyResponse is the public view of a ceremony.
type CeremonyResponse struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	State            string    `json:"state"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	TimeoutMechanism string    `json:"timeoutMechanism"`
	PenaltyMinutes   uint32    `json:"penaltyMinutes"`
	CoordinatorID    string    `json:"coordinatorId"`
}

// SlotResponse is the outcome of a slot request.
type SlotResponse struct {
	Granted      bool       `json:"granted"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	PreviousHash string     `json:"previousHash,omitempty"`
	Position     int        `json:"position,omitempty"`
}

// ContributionResponse is the committed contribution record.
type ContributionResponse struct {
	CircuitID      string    `json:"circuitId"`
	SequenceNumber int       `json:"sequenceNumber"`
	PreviousHash   string    `json:"previousHash"`
	ComputedHash   string    `json:"computedHash"`
	DurationMs     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (s *Server) createCeremony(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req CeremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, ceremony.Validationf("malformed request body: %v", err))
		return
	}
	mechanism, err := parseMechanism(req.TimeoutMechanism)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	setup := &core.Setup{
		Title:          req.Title,
		Description:    req.Description,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Timeout:        mechanism,
		PenaltyMinutes: req.PenaltyMinutes,
		CoordinatorID:  callerID,
	}
	for _, c := range req.Circuits {
		setup.Circuits = append(setup.Circuits, core.CircuitSetup{
			Name:                   c.Name,
			SequencePosition:       c.SequencePosition,
			DynamicThreshold:       c.DynamicThreshold,
			FixedTimeWindowMinutes: c.FixedTimeWindowMinutes,
		})
	}

	cer, err := s.process.CreateCeremony(r.Context(), setup)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, map[string]string{"id": cer.ID})
}

func (s *Server) getCeremony(w http.ResponseWriter, r *http.Request) {
	cer, err := s.process.Ceremony(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ceremonyView(cer))
}

// CircuitResponse is the public view of a circuit.
type CircuitResponse struct {
	ID                  string     `json:"id"`
	SequencePosition    int        `json:"sequencePosition"`
	Occupied            bool       `json:"occupied"`
	QueueLength         int        `json:"queueLength"`
	Halted              bool       `json:"halted,omitempty"`
	ContributorDeadline *time.Time `json:"contributorDeadline,omitempty"`
}

func (s *Server) getCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.process.Circuits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]CircuitResponse, 0, len(circuits))
	for _, c := range circuits {
		view := CircuitResponse{
			ID:               c.ID,
			SequencePosition: c.SequencePosition,
			Occupied:         c.Occupied(),
			QueueLength:      len(c.WaitingQueue),
			Halted:           c.Halted,
		}
		if c.Contributor != nil {
			deadline := c.Contributor.Deadline
			view.ContributorDeadline = &deadline
		}
		views = append(views, view)
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

func (s *Server) echoCeremony(w http.ResponseWriter, r *http.Request) {
	ceremonyID := chi.URLParam(r, "id")
	if _, err := s.process.RequireMembership(r.Context(), ceremonyID, bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"ceremonyId": ceremonyID})
}

func (s *Server) closeCeremony(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cer, err := s.process.CloseCeremony(r.Context(), chi.URLParam(r, "id"), callerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ceremonyView(cer))
}

func (s *Server) finalizeCeremony(w http.ResponseWriter, r *http.Request) {
	ceremonyID := chi.URLParam(r, "id")
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req struct {
		Beacon string `json:"beacon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, ceremony.Validationf("malformed request body: %v", err))
		return
	}

	cer, err := s.process.Finalize(r.Context(), ceremonyID, callerID, []byte(req.Beacon))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ceremonyView(cer))
}

func (s *Server) requestSlot(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	grant, err := s.process.RequestSlot(r.Context(), chi.URLParam(r, "id"), callerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := SlotResponse{
		Granted:      grant.Granted,
		PreviousHash: grant.PreviousHash,
		Position:     grant.Position,
	}
	if grant.Granted {
		deadline := grant.Deadline
		resp.Deadline = &deadline
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) abandonSlot(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.process.AbandonSlot(r.Context(), chi.URLParam(r, "id"), callerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitContribution(w http.ResponseWriter, r *http.Request) {
	callerID, err := s.process.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, ceremony.Validationf("malformed request body: %v", err))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, r, ceremony.Validationf("payload must be base64: %v", err))
		return
	}

	contribution, err := s.process.SubmitContribution(r.Context(), chi.URLParam(r, "id"), callerID, payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, ContributionResponse{
		CircuitID:      contribution.CircuitID,
		SequenceNumber: contribution.SequenceNumber,
		PreviousHash:   contribution.PreviousHash,
		ComputedHash:   contribution.ComputedHash,
		DurationMs:     contribution.DurationMs,
		CreatedAt:      contribution.CreatedAt,
	})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if _, err := s.process.Authenticate(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.process.CheckTimeouts(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func ceremonyView(c *ceremony.Ceremony) CeremonyResponse {
	return CeremonyResponse{
		ID:               c.ID,
		Title:            c.Title,
		Description:      c.Description,
		State:            strings.ToUpper(c.State.String()),
		StartTime:        c.StartTime,
		EndTime:          c.EndTime,
		TimeoutMechanism: strings.ToUpper(c.Timeout.String()),
		PenaltyMinutes:   c.PenaltyMinutes,
		CoordinatorID:    c.CoordinatorID,
	}
}

func parseMechanism(s string) (ceremony.TimeoutMechanism, error) {
	switch strings.ToLower(s) {
	case "dynamic":
		return ceremony.Dynamic, nil
	case "fixed":
		return ceremony.Fixed, nil
	default:
		return 0, ceremony.Validationf("unknown timeout mechanism %q", s)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// errorBody is the uniform error envelope of the API.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)

	var penalty *ceremony.PenaltyError
	if errors.As(err, &penalty) {
		seconds := int(penalty.Remaining.Seconds() + 0.5)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.log.Debugw("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	s.writeJSON(w, r, status, errorBody{Error: code, Message: err.Error()})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ceremony.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, ceremony.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, ceremony.ErrUnauthorizedSlot):
		return http.StatusForbidden, "UNAUTHORIZED_SLOT"
	case errors.Is(err, ceremony.ErrCeremonyNotFound), errors.Is(err, ceremony.ErrCircuitNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ceremony.ErrPenaltyActive):
		return http.StatusTooManyRequests, "PENALTY_ACTIVE"
	case errors.Is(err, ceremony.ErrCeremonyNotOpen):
		return http.StatusConflict, "CEREMONY_NOT_OPEN"
	case errors.Is(err, ceremony.ErrCeremonyNotClosed):
		return http.StatusConflict, "CEREMONY_NOT_CLOSED"
	case errors.Is(err, ceremony.ErrCeremonyFinalized):
		return http.StatusConflict, "CEREMONY_ALREADY_FINALIZED"
	case errors.Is(err, ceremony.ErrAlreadyContributed):
		return http.StatusConflict, "ALREADY_CONTRIBUTED"
	case errors.Is(err, ceremony.ErrIncompleteCircuit):
		return http.StatusConflict, "INCOMPLETE_CIRCUIT"
	case errors.Is(err, ceremony.ErrCircuitHalted):
		return http.StatusConflict, "CIRCUIT_HALTED"
	case errors.Is(err, ceremony.ErrInvalidStateTransition), errors.Is(err, ceremony.ErrCeremonyNotStarted):
		return http.StatusConflict, "INVALID_STATE_TRANSITION"
	case errors.Is(err, ceremony.ErrSlotConflict):
		return http.StatusConflict, "SLOT_CONFLICT"
	case errors.Is(err, ceremony.ErrVerificationFailed):
		return http.StatusUnprocessableEntity, "VERIFICATION_FAILED"
	case errors.Is(err, ceremony.ErrChainIntegrity):
		return http.StatusInternalServerError, "CHAIN_INTEGRITY_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorw("encoding response", "path", r.URL.Path, "err", err)
	}
}
