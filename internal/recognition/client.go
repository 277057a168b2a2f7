package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the external face-matcher service. The engine treats the
// matcher as a stateless function per frame: it either yields a candidate
// identity with a distance-like confidence, or a reason the frame was
// unusable.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewClient creates a client. Skip short-circuits with a canned match for
// local development without the matcher service running.
func NewClient(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face matching can take time
		},
	}
}

type matchResponse struct {
	Label      *int64  `json:"label"`
	Confidence float64 `json:"confidence"`
	Usable     bool    `json:"usable"`
	Reason     string  `json:"reason"`
}

// Match submits a raw frame and returns the candidate, or nil with a reason
// when the frame produced no usable candidate.
func (c *Client) Match(ctx context.Context, frame []byte) (*Candidate, string, error) {
	if c.Skip {
		return &Candidate{Label: 1, Confidence: 32.5, Usable: true}, "", nil
	}

	body, err := json.Marshal(map[string]string{
		"image_b64": base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/recognize", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, "", fmt.Errorf("face service status %d: %s", resp.StatusCode, snippet)
	}

	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", err
	}

	if !out.Usable || out.Label == nil {
		reason := out.Reason
		if reason == "" {
			reason = "no_face"
		}
		return nil, reason, nil
	}
	return &Candidate{Label: *out.Label, Confidence: out.Confidence, Usable: true}, out.Reason, nil
}

// Health checks the matcher service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("face service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
