package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/audit"
	"github.com/gitops-gate/gitopsgate/internal/domain/rbac"
)

// maxCheckBodySize caps the check request body.
const maxCheckBodySize = 64 * 1024

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// checkHandler serves POST /v1/check: evaluates one authorization
// request against the active policy. The outcome travels in the body;
// the status is 200 for any completed evaluation and 503 when the
// decision could not be audited (and was therefore forced to deny).
func (s *Server) checkHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req rbac.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBodySize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Subject == "" || req.Action == "" || req.ResourceType == "" || req.ResourceID == "" {
			writeError(w, http.StatusBadRequest, "subject, action, resource_type and resource_id are required")
			return
		}

		corr := audit.Correlation{
			RequestID: RequestIDFromContext(r.Context()),
			SourceIP:  SourceIPFromContext(r.Context()),
		}

		start := time.Now()
		decision, err := s.authorizer.Evaluate(r.Context(), req, corr)
		outcome := string(decision.Outcome)
		if err != nil {
			outcome = "error"
		}
		s.metrics.CheckRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.CheckDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		if err != nil {
			var storageErr *audit.StorageError
			if errors.As(err, &storageErr) {
				writeJSON(w, http.StatusServiceUnavailable, decision)
				return
			}
			writeError(w, http.StatusInternalServerError, "evaluation failed")
			return
		}

		writeJSON(w, http.StatusOK, decision)
	})
}

// auditResponse is the JSON response from GET /v1/audit.
type auditResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// defaultQueryLimit caps unbounded audit queries over HTTP.
const defaultQueryLimit = 1000

// auditHandler serves GET /v1/audit: queries the in-process audit log.
// Filters: subject, outcome, since, until (RFC3339), limit.
func (s *Server) auditHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if filter.Limit <= 0 || filter.Limit > defaultQueryLimit {
			filter.Limit = defaultQueryLimit
		}

		records := make([]audit.Record, 0, 64)
		for rec := range s.auditLog.Query(r.Context(), filter) {
			records = append(records, rec)
		}

		writeJSON(w, http.StatusOK, auditResponse{Records: records, Count: len(records)})
	})
}

// statsResponse is the JSON response from GET /v1/audit/stats.
type statsResponse struct {
	Subject string   `json:"subject"`
	Denials int64    `json:"denials"`
	Actions []string `json:"actions"`
}

// statsHandler serves GET /v1/audit/stats: per-subject compliance
// aggregates (denial count and distinct attempted actions).
func (s *Server) statsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		subject := r.URL.Query().Get("subject")
		if subject == "" {
			writeError(w, http.StatusBadRequest, "subject is required")
			return
		}

		since, until, err := parseTimeRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		denials, err := s.auditLog.CountDenials(r.Context(), subject, since, until)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count denials: "+err.Error())
			return
		}
		actions, err := s.auditLog.ListActionsBySubject(r.Context(), subject)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list actions: "+err.Error())
			return
		}
		if actions == nil {
			actions = []string{}
		}

		writeJSON(w, http.StatusOK, statsResponse{
			Subject: subject,
			Denials: denials,
			Actions: actions,
		})
	})
}

// reloadResponse is the JSON response from POST /v1/policy/reload.
type reloadResponse struct {
	Generation  uint64 `json:"generation"`
	Fingerprint string `json:"fingerprint"`
}

// reloadHandler serves POST /v1/policy/reload: re-reads the policy
// file and publishes a new generation. A failed reload keeps the
// previous generation active and returns 422.
func (s *Server) reloadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		gen, err := s.loader.Reload(s.policyPath)
		if err != nil {
			s.metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()

		active, _ := s.store.Active()
		fingerprint := ""
		if active != nil {
			fingerprint = active.Fingerprint
		}

		writeJSON(w, http.StatusOK, reloadResponse{Generation: gen, Fingerprint: fingerprint})
	})
}

// parseFilter builds an audit filter from query parameters.
func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()

	f := audit.Filter{Subject: q.Get("subject")}

	if outcome := q.Get("outcome"); outcome != "" {
		if outcome != string(rbac.OutcomeAllow) && outcome != string(rbac.OutcomeDeny) {
			return audit.Filter{}, errors.New("outcome must be allow or deny")
		}
		f.Outcome = rbac.Outcome(outcome)
	}

	since, until, err := parseTimeRange(r)
	if err != nil {
		return audit.Filter{}, err
	}
	f.Since = since
	f.Until = until

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return audit.Filter{}, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}

	return f, nil
}

// parseTimeRange parses the since/until query parameters (RFC3339).
func parseTimeRange(r *http.Request) (since, until time.Time, err error) {
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("since must be RFC3339")
		}
	}
	if v := q.Get("until"); v != "" {
		until, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("until must be RFC3339")
		}
	}
	return since, until, nil
}
