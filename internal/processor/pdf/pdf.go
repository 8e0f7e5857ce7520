// Package pdf talks to the PDF conversion backend.
package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/tool-gateway/internal/processor"
	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type convertResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

type statusResponse struct {
	Job struct {
		ConvertTo string `json:"convertTo"`
	} `json:"job"`
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Process(ctx context.Context, job *processor.Job) (*processor.Result, error) {
	if len(job.Files) == 0 {
		return &processor.Result{Success: false, Message: "No files provided"}, nil
	}

	body, contentType, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/pdf-convert/%s", c.baseURL, url.PathEscape(string(job.Tool)))
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if job.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", job.RequestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, processor.NewUpstreamError(c.Name(), resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	respType := resp.Header.Get("Content-Type")
	if strings.Contains(respType, "application/json") {
		var parsed convertResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("pdf api returned invalid json: %w", err)
		}
		return &processor.Result{
			Success: parsed.Success == nil || *parsed.Success,
			Message: parsed.Message,
			Payload: json.RawMessage(data),
		}, nil
	}

	if respType == "" {
		respType = "application/octet-stream"
	}
	return &processor.Result{
		Success: true,
		Message: "Processing completed",
		Download: &processor.Binary{
			Filename:    filenameFrom(resp.Header.Get("Content-Disposition"), string(job.Tool)+"-output"),
			ContentType: respType,
			Data:        data,
		},
	}, nil
}

func encodeJob(job *processor.Job) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, f := range job.Files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.WriteField("tool", string(job.Tool)); err != nil {
		return nil, "", err
	}
	if len(job.Options) > 0 {
		opts, err := json.Marshal(job.Options)
		if err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("options", string(opts)); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func filenameFrom(disposition, fallback string) string {
	if disposition == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil || params["filename"] == "" {
		return fallback
	}
	return params["filename"]
}

// FetchFile streams a finished conversion. The attachment name is derived from
// the job's target format when the status endpoint reports one.
func (c *Client) FetchFile(ctx context.Context, processID string) (*processor.Download, error) {
	id := url.PathEscape(processID)
	dl, err := processor.Fetch(ctx, c.httpClient, c.Name(), fmt.Sprintf("%s/pdf-convert/%s/file", c.baseURL, id))
	if err != nil {
		return nil, err
	}
	if ext, ok := c.targetExtension(ctx, id); ok {
		dl.Disposition = fmt.Sprintf(`attachment; filename="pdf-converted-%s.%s"`, processID, ext)
	}
	return dl, nil
}

func (c *Client) targetExtension(ctx context.Context, id string) (string, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/pdf-convert/%s", c.baseURL, id), nil)
	if err != nil {
		return "", false
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "xlsx", true
	}
	switch st.Job.ConvertTo {
	case "", "excel":
		return "xlsx", true
	default:
		return "docx", true
	}
}

func (c *Client) Name() string {
	return "pdf"
}

func (c *Client) SupportedTools() []toolkey.Key {
	return []toolkey.Key{"compress-pdf", "rotate-pdf", "pdf-to-excel", "pdf-to-jpg", "pdf-to-word"}
}
