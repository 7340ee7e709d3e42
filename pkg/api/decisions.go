package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
)

// maxListLimit caps ?limit= on list endpoints
const maxListLimit = 500

// listDecisions handles GET /api/v1/decisions
func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", admission.DefaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	admitted, err := httputil.ParseQueryBool(r, "admitted")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxListLimit || offset < 0 {
		httputil.WriteBadRequest(w, "limit must be in 1..500 and offset must not be negative")
		return
	}

	decisions, err := s.admitter.Records().ListDecisions(r.Context(), admission.ListFilter{
		Plugin:   r.URL.Query().Get("plugin"),
		Admitted: admitted,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to list decisions")
		httputil.WriteInternalError(w, err)
		return
	}
	if decisions == nil {
		decisions = []*admission.Decision{}
	}
	httputil.WriteSuccess(w, decisions)
}

// getDecision handles GET /api/v1/decisions/{id}
func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	d, err := s.admitter.Records().GetDecision(r.Context(), id)
	if errors.Is(err, admission.ErrDecisionNotFound) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("decision", id).Error("failed to get decision")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, d)
}
