package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
	"github.com/xibo-players/xiboplayer-sub005/internal/orchestrator"
)

// CommandRequest is the inbound control envelope from the playback layer.
type CommandRequest struct {
	Method    string `json:"method"`
	Arguments struct {
		Groups []content.Group          `json:"groups"`
		Files  []content.FileDescriptor `json:"files"`
		Type   content.FileType         `json:"type"`
		ID     string                   `json:"id"`
		Chunk  int                      `json:"chunk"`
	} `json:"arguments"`
}

// CommandResponse is the structured acknowledgement for every command.
type CommandResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CommandHandler exposes the control protocol: download, prioritize,
// urgent-chunk, delete-files and get-progress.
type CommandHandler struct {
	orc *orchestrator.Orchestrator
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(orc *orchestrator.Orchestrator) *CommandHandler {
	return &CommandHandler{orc: orc}
}

func (h *CommandHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/rpc", h.HandleRPC)

	return r
}

// HandleRPC dispatches one control command.
func (h *CommandHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	var response *CommandResponse

	var err error

	switch req.Method {
	case "download":
		response, err = h.handleDownload(r, &req)
	case "prioritize":
		response = h.handlePrioritize(&req)
	case "urgent-chunk":
		response = h.handleUrgentChunk(&req)
	case "delete-files":
		response, err = h.handleDeleteFiles(r, &req)
	case "get-progress":
		response, err = h.handleGetProgress()
	default:
		logger.Error("unknown method", "method", req.Method)
		http.Error(w, fmt.Sprintf("unknown method %s", req.Method), http.StatusBadRequest)

		return
	}

	if err != nil {
		logger.Error("failed to handle command", "method", req.Method, "err", err)

		// Command errors ride in the result field with HTTP 200, so the
		// playback layer can show a specific message.
		errorResponse := &CommandResponse{Result: formatCommandError(err)}

		w.Header().Set("Content-Type", "application/json")

		if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
			logger.Error("failed to encode error response", "err", encodeErr)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *CommandHandler) handleDownload(r *http.Request, req *CommandRequest) (*CommandResponse, error) {
	if len(req.Arguments.Groups) == 0 {
		return nil, fmt.Errorf("download requires at least one group")
	}

	enqueued, err := h.orc.Download(r.Context(), req.Arguments.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to plan downloads: %w", err)
	}

	args, err := json.Marshal(map[string]interface{}{
		"groups":   len(req.Arguments.Groups),
		"enqueued": enqueued,
	})
	if err != nil {
		return nil, err
	}

	return &CommandResponse{Result: "success", Arguments: args}, nil
}

func (h *CommandHandler) handlePrioritize(req *CommandRequest) *CommandResponse {
	found := h.orc.Prioritize(req.Arguments.Type, req.Arguments.ID)

	args, _ := json.Marshal(map[string]bool{"found": found})

	return &CommandResponse{Result: "success", Arguments: args}
}

func (h *CommandHandler) handleUrgentChunk(req *CommandRequest) *CommandResponse {
	acted := h.orc.UrgentChunk(req.Arguments.Type, req.Arguments.ID, req.Arguments.Chunk)

	args, _ := json.Marshal(map[string]bool{"acted": acted})

	return &CommandResponse{Result: "success", Arguments: args}
}

func (h *CommandHandler) handleDeleteFiles(r *http.Request, req *CommandRequest) (*CommandResponse, error) {
	deleted, err := h.orc.DeleteFiles(r.Context(), req.Arguments.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to delete files: %w", err)
	}

	args, err := json.Marshal(map[string]int{
		"requested": len(req.Arguments.Files),
		"deleted":   deleted,
	})
	if err != nil {
		return nil, err
	}

	return &CommandResponse{Result: "success", Arguments: args}, nil
}

func (h *CommandHandler) handleGetProgress() (*CommandResponse, error) {
	progress := h.orc.GetProgress()

	args, err := json.Marshal(progress)
	if err != nil {
		return nil, err
	}

	return &CommandResponse{Result: "success", Arguments: args}, nil
}

// formatCommandError converts internal errors to user-facing result strings.
func formatCommandError(err error) string {
	var notFound *content.NotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("not found: %s", notFound.Key)
	}

	var failed *content.DownloadFailedError
	if errors.As(err, &failed) {
		return fmt.Sprintf("download failed: %s", failed.Key)
	}

	var expired *content.LinkExpiredError
	if errors.As(err, &expired) {
		return fmt.Sprintf("link expired: %s", expired.Key)
	}

	return fmt.Sprintf("error: %v", err)
}
