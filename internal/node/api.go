package node

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lukw00heck/av-service/internal/logging/audit"
	"github.com/lukw00heck/av-service/internal/replication"
	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/internal/tracing"
	"github.com/lukw00heck/av-service/internal/transport/mesh"
	"github.com/lukw00heck/av-service/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// NeighborsResponse is returned by GET /api/neighbors.
type NeighborsResponse struct {
	NodeID    string   `json:"node_id"`
	Neighbors []string `json:"neighbors"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	NodeID           string            `json:"node_id"`
	ReplicationCount int               `json:"replication_count"`
	Replication      replication.Stats `json:"replication"`
	Transport        mesh.Stats        `json:"transport"`
}

func (n *Node) setupRoutes() {
	n.mux.Handle(mesh.MessagePath, n.transport)
	n.mux.HandleFunc("GET /healthz", n.handleHealth)
	n.mux.Handle("GET /metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))

	n.mux.HandleFunc("GET /status", n.withAuth(n.handleStatus))
	n.mux.HandleFunc("GET /debug/trace", n.withAuth(n.handleTrace))
	n.mux.HandleFunc("GET /api/neighbors", n.withAuth(n.handleNeighbors))
	n.mux.HandleFunc("PUT /api/files/{owner}/{filename}", n.withAuth(n.handleSave))
	n.mux.HandleFunc("POST /api/files/{owner}/{filename}", n.withAuth(n.handleUpdate))
	n.mux.HandleFunc("GET /api/files/{owner}/{filename}", n.withAuth(n.handleLoad))
	n.mux.HandleFunc("DELETE /api/files/{owner}/{filename}", n.withAuth(n.handleDelete))
	n.mux.HandleFunc("HEAD /api/files/{owner}/{filename}", n.withAuth(n.handleExists))
	n.mux.HandleFunc("GET /api/files/{owner}/{filename}/status", n.withAuth(n.handleFileStatus))
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mux.ServeHTTP(w, r)
}

func (n *Node) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deny := func(reason string) {
			n.audit.LogAuth("bearer", audit.Denied, reason, r.RemoteAddr)
			jsonError(w, reason, http.StatusUnauthorized)
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			deny("missing authorization header")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			deny("invalid authorization header")
			return
		}

		if !tokenMatches(parts[1], n.cfg.AuthToken) {
			deny("invalid token")
			return
		}

		n.audit.LogAuth("bearer", audit.Allowed, r.Method+" "+r.URL.Path, r.RemoteAddr)
		next(w, r)
	}
}

// tokenMatches compares a presented token in constant time.
func tokenMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID:           n.cfg.NodeID,
		ReplicationCount: n.repl.ReplicationCount(),
		Replication:      n.repl.Stats(),
		Transport:        n.transport.Stats(),
	})
}

func (n *Node) handleTrace(w http.ResponseWriter, _ *http.Request) {
	if !n.tracer.Enabled() {
		jsonError(w, "tracing is disabled, set tracing: true", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")
	if err := n.tracer.Snapshot(w); err != nil && !errors.Is(err, tracing.ErrNotEnabled) {
		n.logger.Warn().Err(err).Msg("trace snapshot failed")
	}
}

func (n *Node) handleNeighbors(w http.ResponseWriter, _ *http.Request) {
	ids := n.repl.Neighbors().IDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, NeighborsResponse{NodeID: n.cfg.NodeID, Neighbors: ids})
}

func (n *Node) handleSave(w http.ResponseWriter, r *http.Request) {
	file, ok := n.readFile(w, r, proto.FileSave)
	if !ok {
		return
	}
	err := n.repl.Save(r.Context(), file)
	n.auditFile(r, "save", err)
	if err != nil {
		n.writeError(w, "save", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (n *Node) handleUpdate(w http.ResponseWriter, r *http.Request) {
	file, ok := n.readFile(w, r, proto.FileUpdate)
	if !ok {
		return
	}
	err := n.repl.Update(r.Context(), file)
	n.auditFile(r, "update", err)
	if err != nil {
		n.writeError(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleLoad(w http.ResponseWriter, r *http.Request) {
	file := pathFile(r, proto.FileLoad)
	loaded, err := n.repl.Load(r.Context(), file)
	n.auditFile(r, "load", err)
	if err != nil {
		n.writeError(w, "load", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(loaded.Data)
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := n.repl.Delete(r.Context(), pathFile(r, proto.FileDelete))
	n.auditFile(r, "delete", err)
	if err != nil {
		n.writeError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleExists(w http.ResponseWriter, r *http.Request) {
	exists, err := n.repl.Exists(r.Context(), r.PathValue("filename"), r.PathValue("owner"))
	n.auditFile(r, "exists", err)
	switch {
	case err != nil:
		w.WriteHeader(errorStatus(err))
	case exists:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (n *Node) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	report, err := n.repl.Status(r.Context(), r.PathValue("filename"), r.PathValue("owner"))
	n.auditFile(r, "status", err)
	if err != nil {
		n.writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// readFile builds a file message from the path and a size-limited body.
func (n *Node) readFile(w http.ResponseWriter, r *http.Request, typ proto.FileMessageType) (proto.FileMessage, bool) {
	body := http.MaxBytesReader(w, r.Body, n.cfg.MaxPayload.Bytes())
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, "file exceeds max_payload", http.StatusRequestEntityTooLarge)
			return proto.FileMessage{}, false
		}
		jsonError(w, "failed to read request body", http.StatusBadRequest)
		return proto.FileMessage{}, false
	}
	return pathFile(r, typ).WithData(data), true
}

func (n *Node) auditFile(r *http.Request, op string, err error) {
	result, details := audit.Allowed, ""
	if err != nil {
		result, details = audit.Failed, err.Error()
	}
	n.audit.LogFileOp(op, r.PathValue("owner"), r.PathValue("filename"), result, details, r.RemoteAddr)
}

func pathFile(r *http.Request, typ proto.FileMessageType) proto.FileMessage {
	return proto.NewFileMessage(r.PathValue("filename"), r.PathValue("owner"), nil, typ)
}

func (n *Node) writeError(w http.ResponseWriter, op string, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		n.logger.Warn().Err(err).Str("op", op).Msg("file operation failed")
	}
	jsonError(w, err.Error(), code)
}

// errorStatus maps coordinator errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, replication.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, replication.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, replication.ErrCannotAcquireLock),
		errors.Is(err, replication.ErrQuorumNotMet),
		errors.Is(err, replication.ErrTooManyPending),
		errors.Is(err, replication.ErrInterrupted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
