package api

import (
	"net/http"

	"github.com/platinummonkey/opnet-plugins/pkg/hooks"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
)

// CheckRequest asks whether from -> to is a legal edge
type CheckRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CheckResponse answers a CheckRequest
type CheckResponse struct {
	From    lifecycle.State   `json:"from"`
	To      lifecycle.State   `json:"to"`
	Allowed bool              `json:"allowed"`
	Next    []lifecycle.State `json:"next"`
}

// listHooks handles GET /api/v1/hooks, optionally filtered by ?category=
func (s *Server) listHooks(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		httputil.WriteSuccess(w, hooks.All())
		return
	}
	configs := hooks.ByCategory(hooks.Category(category))
	if len(configs) == 0 {
		httputil.WriteBadRequest(w, "unknown hook category: "+category)
		return
	}
	httputil.WriteSuccess(w, configs)
}

// listTransitions handles GET /api/v1/lifecycle/transitions
func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, lifecycle.Table())
}

// checkTransition handles POST /api/v1/lifecycle/check
func (s *Server) checkTransition(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	from, err := lifecycle.ParseState(req.From)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := lifecycle.ParseState(req.To)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, CheckResponse{
		From:    from,
		To:      to,
		Allowed: lifecycle.CanTransition(from, to),
		Next:    lifecycle.Next(from),
	})
}
