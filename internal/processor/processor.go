package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Job struct {
	Tool    toolkey.Key
	Files   []File
	URL     string
	Options map[string]any
	// Metadata for logging upstream
	RequestID string
}

// Binary is a file produced by a processor.
type Binary struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is what a processor returned. Success=false is a soft failure: the
// processor answered but did not perform the work.
type Result struct {
	Success  bool
	Message  string
	Payload  json.RawMessage
	Download *Binary
}

type Processor interface {
	Process(ctx context.Context, job *Job) (*Result, error)
	Name() string
	SupportedTools() []toolkey.Key
}

// Download is an upstream file stream. Callers must close Body.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	Disposition   string
	ContentLength int64
}

type FileFetcher interface {
	FetchFile(ctx context.Context, processID string) (*Download, error)
}

// UpstreamError is a non-2xx answer from a processor backend.
type UpstreamError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

// NewUpstreamError drains resp and extracts the most useful message.
func NewUpstreamError(service string, resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(body))

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var e struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil {
			switch {
			case e.Message != "":
				msg = e.Message
			case e.Detail != "":
				msg = e.Detail
			case e.Error != "":
				msg = e.Error
			}
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("remote server responded with status %d", resp.StatusCode)
	}
	return &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: msg}
}

// Fetch opens a GET stream against a processor file endpoint.
func Fetch(ctx context.Context, client *http.Client, service, url string) (*Download, error) {
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Cache-Control", "no-store")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, NewUpstreamError(service, resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Download{
		Body:          resp.Body,
		ContentType:   contentType,
		Disposition:   resp.Header.Get("Content-Disposition"),
		ContentLength: resp.ContentLength,
	}, nil
}
