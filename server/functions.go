package server

import (
	"encoding/json"
	"net/http"

	"github.com/c360studio/cascade/apierr"
	"github.com/c360studio/cascade/ident"
	"github.com/c360studio/cascade/registry"
	"github.com/c360studio/cascade/semver"
)

// deployRequest is the POST /functions wire format: metadata plus an
// optional inline code artifact.
type deployRequest struct {
	registry.Metadata
	Code string `json:"code,omitempty"`
}

const maxListLimit = 100

// handleDeploy registers a function version and stores its code.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, err, "")
		return
	}

	if req.ID == "" {
		writeError(w, apierr.New(apierr.KindMissingRequired, "id is required"), "")
		return
	}
	if err := ident.ValidateFunctionID(req.ID); err != nil {
		writeError(w, err, "")
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}
	if !semver.IsValid(req.Version) {
		writeError(w, apierr.Newf(apierr.KindInvalidVersion, "invalid version %q", req.Version), "")
		return
	}
	if req.Type != "" && !registry.IsValidType(req.Type) {
		writeError(w, apierr.Newf(apierr.KindValidation, "invalid function type %q", req.Type), "")
		return
	}

	meta := req.Metadata
	if err := s.store.PutMetadata(r.Context(), &meta); err != nil {
		writeError(w, err, "")
		return
	}
	if req.Code != "" {
		if err := s.store.PutCode(r.Context(), req.ID, req.Code, req.Version, registry.DerivativeSource); err != nil {
			writeError(w, err, "")
			return
		}
	}

	s.logger.Info("Function deployed", "function_id", meta.ID, "version", meta.Version)
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", maxListLimit)
	if err != nil {
		writeError(w, err, "")
		return
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	ftype := registry.FunctionType(r.URL.Query().Get("type"))
	if ftype != "" && !registry.IsValidType(ftype) {
		writeError(w, apierr.Newf(apierr.KindInvalidParameter, "invalid type %q", ftype), "")
		return
	}

	page, err := s.store.ListMetadata(r.Context(), r.URL.Query().Get("cursor"), limit, ftype)
	if err != nil {
		writeError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.GetMetadata(r.Context(), r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// mutableFields are the only metadata attributes PATCH may change.
var mutableFields = map[string]bool{
	"name":        true,
	"description": true,
	"tags":        true,
	"permissions": true,
}

// handlePatchFunction applies a partial update. Any key outside the
// mutable set rejects the whole request.
func (s *Server) handlePatchFunction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var patch map[string]json.RawMessage
	if err := decodeJSONBody(w, r, &patch); err != nil {
		writeError(w, err, "")
		return
	}
	for field := range patch {
		if !mutableFields[field] {
			writeError(w, apierr.Newf(apierr.KindValidation, "field %q is not mutable", field), "")
			return
		}
	}

	meta, err := s.store.GetMetadata(r.Context(), id, "")
	if err != nil {
		writeError(w, err, "")
		return
	}

	if err := applyPatch(meta, patch); err != nil {
		writeError(w, err, "")
		return
	}
	// Edits are not deployments; they must not touch the deployment log.
	if err := s.store.UpdateMetadata(r.Context(), meta); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func applyPatch(meta *registry.Metadata, patch map[string]json.RawMessage) error {
	decode := func(raw json.RawMessage, dst any, field string) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return apierr.Newf(apierr.KindValidation, "invalid value for %q", field)
		}
		return nil
	}
	for field, raw := range patch {
		var err error
		switch field {
		case "name":
			err = decode(raw, &meta.Name, field)
		case "description":
			err = decode(raw, &meta.Description, field)
		case "tags":
			err = decode(raw, &meta.Tags, field)
		case "permissions":
			err = decode(raw, &meta.Permissions, field)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Confirm existence first so a missing function is a clean 404 with no
	// state change.
	if _, err := s.store.GetMetadata(r.Context(), id, ""); err != nil {
		writeError(w, err, "")
		return
	}

	if err := s.store.DeleteCode(r.Context(), id, "", registry.DerivativeSource); err != nil {
		s.logger.Warn("Code delete failed", "function_id", id, "error", err)
	}
	if err := s.store.DeleteMetadata(r.Context(), id); err != nil {
		writeError(w, err, "")
		return
	}

	if s.logs != nil {
		removed := s.logs.DeleteFunctionLogs(id)
		s.logger.Debug("Function logs removed", "function_id", id, "count", removed)
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	listing, err := s.store.ListVersionsSorted(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}
