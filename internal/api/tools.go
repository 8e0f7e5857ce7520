package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vnmchuo/tool-gateway/internal/auth"
	"github.com/vnmchuo/tool-gateway/internal/policy"
	"github.com/vnmchuo/tool-gateway/internal/processor"
	"github.com/vnmchuo/tool-gateway/internal/runner"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type runBody struct {
	Tool    string         `json:"tool"`
	URL     string         `json:"url"`
	Options map[string]any `json:"options"`
	UserID  flexString     `json:"user_id"`
}

func disabledMessage(reason policy.Reason) string {
	if reason == policy.ReasonReliabilityGate {
		return "This tool is temporarily unavailable due to reliability checks."
	}
	return "This tool is currently unavailable."
}

func writeDisabled(w http.ResponseWriter, d policy.Decision) {
	writeJSON(w, http.StatusForbidden, map[string]interface{}{
		"success": false,
		"code":    "tool_disabled",
		"message": disabledMessage(d.Reason),
		"reason":  d.Reason,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := toolkey.Normalize(chi.URLParam(r, "tool"))

	doc := h.policy.Document(ctx)
	decision := h.policy.Decide(ctx, doc, key)
	if !decision.Enabled {
		writeDisabled(w, decision)
		return
	}

	status, err := h.ledger.Status(ctx, doc, caller(auth.GetIdentity(ctx)), string(key))
	if err != nil {
		h.logger.Error().Err(err).Str("tool", string(key)).Msg("failed to load usage")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tool":    key,
		"usage":   status,
	})
}

func (h *Handler) HandleFileProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, status, msg := h.parseRun(w, r)
	if req == nil {
		writeError(w, status, msg)
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.fileprocess")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", req.Tool),
		attribute.String("request_id", req.RequestID),
		attribute.Int("files", len(req.Files)),
	)

	out, err := h.runner.Run(ctx, req)
	if err != nil {
		h.writeRunError(w, req, err)
		return
	}

	switch {
	case out.Artifact != nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": out.Message,
			"result": map[string]interface{}{
				"downloadUrl": "/download/" + out.Artifact.ID,
				"filename":    out.Artifact.Filename,
				"contentType": out.Artifact.ContentType,
				"size":        out.Artifact.Size,
			},
			"usage": out.Usage,
		})
	case out.Binary != nil:
		writeBinary(w, out)
	default:
		result := out.Payload
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": out.Message,
			"result":  result,
			"usage":   out.Usage,
		})
	}
}

func (h *Handler) writeRunError(w http.ResponseWriter, req *runner.Request, err error) {
	var (
		policyErr  *runner.PolicyError
		quotaErr   *runner.QuotaError
		skippedErr *runner.NotProcessedError
		procErr    *runner.ProcessorError
	)
	switch {
	case errors.As(err, &policyErr):
		writeDisabled(w, policyErr.Decision)
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"success":    false,
			"code":       "usage_limit",
			"message":    "Usage limit reached.",
			"usage":      quotaErr.Usage,
			"upgradeUrl": h.upgradeURL,
		})
	case errors.As(err, &skippedErr):
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success": false,
			"message": skippedErr.Message,
			"usage":   skippedErr.Usage,
		})
	case errors.As(err, &procErr):
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "Processor error",
			"error":   procErr.Err.Error(),
			"usage":   procErr.Usage,
		})
	default:
		h.logger.Error().Err(err).Str("tool", req.Tool).Str("request_id", req.RequestID).Msg("tool run failed")
		writeError(w, http.StatusInternalServerError, "Server error")
	}
}

func writeBinary(w http.ResponseWriter, out *runner.Outcome) {
	filename := out.Binary.Filename
	if filename == "" {
		filename = "output"
	}
	contentType := out.Binary.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Usage-Limit", optionalInt(out.Usage.Limit))
	w.Header().Set("X-Usage-Remaining", optionalInt(out.Usage.Remaining))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Binary.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Binary.Data)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// parseRun reads a JSON or multipart run request. On failure it returns a nil
// request with the status and message to send.
func (h *Handler) parseRun(w http.ResponseWriter, r *http.Request) (*runner.Request, int, string) {
	ctx := r.Context()
	req := &runner.Request{RequestID: auth.GetRequestID(ctx)}
	var userID string

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body runBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return nil, http.StatusBadRequest, "invalid request body"
		}
		if body.URL == "" {
			return nil, http.StatusBadRequest, "No URL provided"
		}
		req.Tool = body.Tool
		req.URL = body.URL
		req.Options = body.Options
		userID = string(body.UserID)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, http.StatusRequestEntityTooLarge, "Upload too large"
			}
			return nil, http.StatusBadRequest, "No files uploaded"
		}
		defer r.MultipartForm.RemoveAll()

		files, err := readFiles(r)
		if err != nil {
			return nil, http.StatusBadRequest, "invalid upload"
		}
		if len(files) == 0 {
			return nil, http.StatusBadRequest, "No files uploaded"
		}
		req.Files = files
		req.Tool = r.FormValue("tool")
		req.Options = formOptions(r)
		userID = r.FormValue("user_id")
	}

	if req.Tool == "" {
		req.Tool = chi.URLParam(r, "tool")
	}
	if req.Tool == "" {
		req.Tool = "unknown"
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	id := auth.GetIdentity(ctx)
	if userID != "" && userID != id.UserID {
		h.logger.Debug().Str("claimed_user_id", userID).Str("request_id", req.RequestID).Msg("ignoring unverified user_id")
	}
	req.Caller = caller(id)
	return req, 0, ""
}

func readFiles(r *http.Request) ([]processor.File, error) {
	headers := r.MultipartForm.File["files"]
	files := make([]processor.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		files = append(files, processor.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}

// formOptions decodes the options field; a malformed document is ignored. A
// separate angle field fills options.angle when it is not already set.
func formOptions(r *http.Request) map[string]any {
	options := map[string]any{}
	if raw := r.FormValue("options"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &options)
		if options == nil {
			options = map[string]any{}
		}
	}
	if angle := r.FormValue("angle"); angle != "" {
		if _, ok := options["angle"]; !ok {
			if v, err := strconv.ParseFloat(angle, 64); err == nil {
				options["angle"] = v
			}
		}
	}
	return options
}

// Throttle caps tool runs per caller when a limiter is configured.
func (h *Handler) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		subject := caller(auth.GetIdentity(ctx)).Subject().String()

		allowed, err := h.limiter.Allow(ctx, subject)
		if err != nil || !allowed {
			if err != nil {
				h.logger.Warn().Err(err).Str("subject", subject).Msg("rate limiter unavailable")
			}
			h.metrics.RecordDenied(toolkey.Normalize(chi.URLParam(r, "tool")).String(), "rate_limited")
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"success": false,
				"code":    "rate_limited",
				"message": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
