package agents

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avlonitis/ergon/internal/runtime"
	"github.com/avlonitis/ergon/internal/store"
)

// Bodies past this size are truncated; scraped pages occasionally balloon.
const maxFetchBody = 4 * 1024 * 1024

// Fetch performs an HTTP GET of the job's url input. Network failures and
// 5xx responses are transient; 4xx responses are client errors.
type Fetch struct {
	client *http.Client
}

func NewFetch() *Fetch {
	return &Fetch{client: &http.Client{Timeout: 2 * time.Minute}}
}

func (f *Fetch) Execute(ctx context.Context, job *store.Job) (*runtime.Result, error) {
	url, _ := job.Payload["url"].(string)
	if url == "" {
		return nil, &runtime.ValidationError{Reason: "fetch requires a url input"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &runtime.ValidationError{Reason: fmt.Sprintf("bad url %q: %v", url, err)}
	}
	if cookie, _ := job.Payload["cookie"].(string); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if ua, _ := job.Payload["user_agent"].(string); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &runtime.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, &runtime.TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &runtime.TransientError{Err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode >= 400:
		return nil, &runtime.ClientError{Status: resp.StatusCode, Reason: resp.Status}
	}

	return &runtime.Result{
		Success:         true,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Data: map[string]any{
			"body":         string(body),
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
		},
	}, nil
}

// Noop echoes the job payload back as outputs. Useful for wiring workflows
// and in tests.
type Noop struct{}

func (Noop) Execute(ctx context.Context, job *store.Job) (*runtime.Result, error) {
	data := make(map[string]any, len(job.Payload))
	for k, v := range job.Payload {
		data[k] = v
	}
	return &runtime.Result{Success: true, Data: data}, nil
}
