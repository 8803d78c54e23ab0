package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/tools"
	"go.uber.org/zap"
)

const maxArgsBytes = 1 << 20

type ToolListResp struct {
	DatabaseID string             `json:"database_id"`
	Tools      []tools.Definition `json:"tools"`
}

// handleListTools implements GET /v1/databases/{database_id}/tools.
func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("database_id")
	id := auth.FromContext(r.Context())

	if d.Databases != nil {
		db, err := d.Databases.Get(r.Context(), ref, tenantOf(id))
		if err != nil {
			d.fail(w, r, err)
			return
		}
		if db == nil {
			writeError(w, apperror.NotFound("DATABASE_NOT_FOUND", fmt.Sprintf("database %q not found", ref)))
			return
		}
	}
	writeJSON(w, http.StatusOK, ToolListResp{DatabaseID: ref, Tools: d.Tools.Definitions()})
}

// handleCallTool implements POST /v1/databases/{database_id}/tools/{tool}.
// The body is the tool's argument object.
func (d *Dependencies) handleCallTool(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgsBytes))
	if err != nil {
		writeError(w, apperror.Validation("INVALID_ARGUMENTS", "request body too large or unreadable"))
		return
	}

	out, err := d.Tools.Call(r.Context(), auth.FromContext(r.Context()),
		r.PathValue("database_id"), r.PathValue("tool"), json.RawMessage(args))
	if err != nil {
		d.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// fail renders err, logging anything that is not a structured error.
func (d *Dependencies) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := apperror.As(err); !ok {
		d.Logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", tools.RequestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

func tenantOf(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.TenantID
}
