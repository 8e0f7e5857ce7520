// Package video talks to the video download backend.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

type downloadRequest struct {
	URL      string         `json:"url"`
	Platform string         `json:"platform"`
	Options  map[string]any `json:"options,omitempty"`
}

type downloadResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
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

// Process queues a download. The backend answers with a job description that
// the client polls; the gateway passes it through untouched.
func (c *Client) Process(ctx context.Context, job *processor.Job) (*processor.Result, error) {
	if job.URL == "" {
		return &processor.Result{Success: false, Message: "No URL provided"}, nil
	}

	body, err := json.Marshal(downloadRequest{
		URL:      job.URL,
		Platform: strings.TrimSuffix(string(job.Tool), "-download"),
		Options:  job.Options,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/downloads", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
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
	var parsed downloadResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("video api returned invalid json: %w", err)
	}

	return &processor.Result{
		Success: parsed.Success == nil || *parsed.Success,
		Message: parsed.Message,
		Payload: json.RawMessage(data),
	}, nil
}

func (c *Client) FetchFile(ctx context.Context, processID string) (*processor.Download, error) {
	dl, err := processor.Fetch(ctx, c.httpClient, c.Name(), fmt.Sprintf("%s/downloads/%s/file", c.baseURL, url.PathEscape(processID)))
	if err != nil {
		return nil, err
	}
	if dl.Disposition == "" {
		dl.Disposition = fmt.Sprintf(`attachment; filename="youtube-download-%s.mp4"`, processID)
	}
	return dl, nil
}

func (c *Client) Name() string {
	return "video"
}

func (c *Client) SupportedTools() []toolkey.Key {
	return []toolkey.Key{"youtube-download", "tiktok-download"}
}
