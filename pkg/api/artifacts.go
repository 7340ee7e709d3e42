package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/container"
	"github.com/platinummonkey/opnet-plugins/pkg/httputil"
	"github.com/platinummonkey/opnet-plugins/pkg/manifest"
	"github.com/platinummonkey/opnet-plugins/pkg/storage"
)

// InspectError is the 422 body for an artifact that does not decode
type InspectError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// writeDecision replies 200 for an admitted artifact and 422 for a rejected one
func writeDecision(w http.ResponseWriter, d *admission.Decision) {
	if d.Admitted {
		httputil.WriteSuccess(w, d)
		return
	}
	httputil.WriteUnprocessable(w, d)
}

// admitArtifact handles POST /api/v1/artifacts/admit. The raw body is the
// artifact; ?name= labels the decision.
func (s *Server) admitArtifact(w http.ResponseWriter, r *http.Request) {
	data, ok := httputil.ReadBodyOrError(w, r, s.maxUpload)
	if !ok {
		return
	}
	source := r.URL.Query().Get("name")
	if source == "" {
		source = "upload"
	}

	d, err := s.admitter.Admit(r.Context(), source, data)
	if err != nil {
		s.recordFailed(w, d, err)
		return
	}
	writeDecision(w, d)
}

// inspectArtifact handles POST /api/v1/artifacts/inspect
func (s *Server) inspectArtifact(w http.ResponseWriter, r *http.Request) {
	data, ok := httputil.ReadBodyOrError(w, r, s.maxUpload)
	if !ok {
		return
	}
	in, err := s.admitter.Inspect(data)
	if err != nil {
		httputil.WriteUnprocessable(w, InspectError{Error: err.Error(), Reason: container.KindName(err)})
		return
	}
	httputil.WriteSuccess(w, in)
}

// validateManifest handles POST /api/v1/manifests/validate. The body is a
// JSON manifest document; invalid manifests reply 422 with the result.
func (s *Server) validateManifest(w http.ResponseWriter, r *http.Request) {
	data, ok := httputil.ReadBodyOrError(w, r, s.maxUpload)
	if !ok {
		return
	}
	raw, err := manifest.ParseJSON(data)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	res := manifest.Validate(raw)
	if !res.Valid {
		httputil.WriteUnprocessable(w, res)
		return
	}
	httputil.WriteSuccess(w, res)
}

// listArtifacts handles GET /api/v1/artifacts
func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.artifacts.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list artifacts")
		httputil.WriteInternalError(w, err)
		return
	}
	if infos == nil {
		infos = []storage.ArtifactInfo{}
	}
	httputil.WriteSuccess(w, infos)
}

// putArtifact handles PUT /api/v1/artifacts/{name}. The artifact is only
// written when admission succeeds.
func (s *Server) putArtifact(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := storage.CheckName(name); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	data, ok := httputil.ReadBodyOrError(w, r, s.maxUpload)
	if !ok {
		return
	}

	d, err := s.admitter.Admit(r.Context(), name, data)
	if err != nil {
		s.recordFailed(w, d, err)
		return
	}
	if !d.Admitted {
		httputil.WriteUnprocessable(w, d)
		return
	}
	if err := s.artifacts.Put(r.Context(), name, data); err != nil {
		s.logger.WithError(err).WithField("artifact", name).Error("failed to store artifact")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, d)
}

// disableArtifact handles POST /api/v1/artifacts/{name}/disable
func (s *Server) disableArtifact(w http.ResponseWriter, r *http.Request) {
	s.artifactOp(w, r, s.artifacts.Disable)
}

// enableArtifact handles POST /api/v1/artifacts/{name}/enable
func (s *Server) enableArtifact(w http.ResponseWriter, r *http.Request) {
	s.artifactOp(w, r, s.artifacts.Enable)
}

// deleteArtifact handles DELETE /api/v1/artifacts/{name}
func (s *Server) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	s.artifactOp(w, r, s.artifacts.Delete)
}

func (s *Server) artifactOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, name string) error) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	err := op(r.Context(), name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrInvalidName):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	default:
		s.logger.WithError(err).WithField("artifact", name).Error("artifact operation failed")
		httputil.WriteInternalError(w, err)
	}
}

func (s *Server) recordFailed(w http.ResponseWriter, d *admission.Decision, err error) {
	entry := s.logger.WithError(err)
	if d != nil {
		entry = entry.WithField("decision", d.ID)
	}
	entry.Error("failed to record decision")
	httputil.WriteInternalError(w, err)
}
