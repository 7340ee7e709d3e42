package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/opnet-plugins/pkg/discovery"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
	"github.com/platinummonkey/opnet-plugins/pkg/lifecycle"
)

// TransitionRequest asks for a plugin to move to a new state
type TransitionRequest struct {
	To string `json:"to"`
}

// listPlugins handles GET /api/v1/plugins
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.registry.List())
}

// getPlugin handles GET /api/v1/plugins/{name}
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	e, found := s.registry.Get(name)
	if !found {
		httputil.WriteNotFoundError(w, "unknown plugin: "+name)
		return
	}
	httputil.WriteSuccess(w, e)
}

// transitionPlugin handles POST /api/v1/plugins/{name}/transition. The
// runtime reports load progress here.
func (s *Server) transitionPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	var req TransitionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	to, err := lifecycle.ParseState(req.To)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	e, err := s.registry.Transition(name, to)
	switch {
	case err == nil:
		s.logger.WithField("artifact", name).WithField("state", e.State).Info("plugin state changed")
		httputil.WriteSuccess(w, e)
	case errors.Is(err, discovery.ErrUnknownPlugin):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		httputil.WriteError(w, http.StatusConflict, err)
	default:
		httputil.WriteInternalError(w, err)
	}
}
