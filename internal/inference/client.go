// Package inference is a client of the deployed model service. The provisioning
// core only guarantees the service is reachable; this client is used to smoke
// test a published endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

type PredictRequest struct {
	Text         string `json:"text"`
	ModelVersion string `json:"model_version,omitempty"`
}

type Prediction struct {
	Prediction     float64 `json:"prediction"`
	Confidence     float64 `json:"confidence"`
	ModelVersion   string  `json:"model_version"`
	Timestamp      string  `json:"timestamp"`
	Interpretation string  `json:"interpretation"`
}

// Versions lists the model versions the service has loaded.
type Versions struct {
	Current   string   `json:"current_version"`
	Available []string `json:"available_versions"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("inference service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("inference service returned %d: %s", e.StatusCode, e.Detail)
}

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient targets address, either a bare host such as a load balancer DNS
// name or a full URL.
func NewClient(address string, opts ...Option) *Client {
	base := strings.TrimRight(address, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Predict sends one prediction request.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	var out Prediction
	if err := c.do(ctx, http.MethodPost, "/predict", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModelVersions reports the loaded model versions.
func (c *Client) ModelVersions(ctx context.Context) (*Versions, error) {
	var out Versions
	if err := c.do(ctx, http.MethodGet, "/models/versions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&detail) == nil && detail.Detail != nil {
			apiErr.Detail = fmt.Sprint(detail.Detail)
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
