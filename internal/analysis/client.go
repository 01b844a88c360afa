package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// request is the JSON body sent to the analysis endpoint. Frames are
// base64-encoded JPEG stills, oldest first.
type request struct {
	Frames [][]byte `json:"frames"`
}

// Client calls the analysis service over HTTP.
type Client struct {
	rc *resty.Client
}

// NewClient creates a client for the given endpoint base URL.
func NewClient(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second)
	return &Client{rc: rc}
}

// Analyze submits a burst of still frames and decodes the service's report.
// Failures are transient from the caller's perspective: report them to the
// user and let the user re-trigger, never retry automatically.
func (c *Client) Analyze(ctx context.Context, frames [][]byte) (*Report, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to analyze")
	}

	var report Report
	res, err := c.rc.R().
		SetContext(ctx).
		SetBody(request{Frames: frames}).
		SetResult(&report).
		Post("/analyze")
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("analysis service returned %s", res.Status())
	}
	return &report, nil
}
