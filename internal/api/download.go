package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/tool-gateway/internal/artifact"
	"github.com/vnmchuo/tool-gateway/internal/processor"
)

// HandleDownload serves a persisted artifact once. The artifact is gone after
// the first successful read.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.artifacts == nil {
		writeError(w, http.StatusNotFound, "File not found or expired")
		return
	}

	a, err := h.artifacts.Take(r.Context(), id)
	switch {
	case errors.Is(err, artifact.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid download id")
		return
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found or expired")
		return
	case err != nil:
		h.logger.Error().Err(err).Str("artifact_id", id).Msg("failed to read artifact")
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := a.Filename
	if filename == "" {
		filename = "output"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

// HandleDownloadJob streams a file held by a processor backend.
func (h *Handler) HandleDownloadJob(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "processId")
	if processID == "" {
		writeError(w, http.StatusBadRequest, "Missing process ID")
		return
	}

	fetcher := h.video
	if strings.HasPrefix(processID, "pdf-") {
		fetcher = h.pdf
	}
	if fetcher == nil {
		writeError(w, http.StatusNotFound, "No backend for this process")
		return
	}

	dl, err := fetcher.FetchFile(r.Context(), processID)
	if err != nil {
		var upstream *processor.UpstreamError
		if errors.As(err, &upstream) {
			writeError(w, upstream.StatusCode, upstream.Message)
			return
		}
		h.logger.Error().Err(err).Str("process_id", processID).Msg("failed to fetch download file")
		writeError(w, http.StatusInternalServerError, "Failed to fetch download file")
		return
	}
	defer dl.Body.Close()

	disposition := dl.Disposition
	if disposition == "" {
		disposition = mime.FormatMediaType("attachment", map[string]string{"filename": processID})
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Cache-Control", "no-store")
	if dl.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		h.logger.Warn().Err(err).Str("process_id", processID).Msg("download stream interrupted")
	}
}
