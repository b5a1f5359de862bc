// Package aiscore is the HTTP client for the external severity model. The
// model is a black box: it receives the triage presentation and returns a
// 0-100 severity score with a confidence.
package aiscore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrDisabled is returned when no model endpoint is configured.
var ErrDisabled = errors.New("aiscore: no endpoint configured")

// Request is the presentation sent to the model.
type Request struct {
	ChiefComplaint string             `json:"chief_complaint"`
	PainScore      *int               `json:"pain_score,omitempty"`
	Vitals         map[string]float64 `json:"vitals,omitempty"`
	Symptoms       []string           `json:"symptoms,omitempty"`
	ArrivalMode    string             `json:"arrival_mode,omitempty"`
	AgeYears       *int               `json:"age_years,omitempty"`
	Sex            string             `json:"sex,omitempty"`
	Conditions     []string           `json:"conditions,omitempty"`
	Medications    []string           `json:"medications,omitempty"`
}

// Response is the model's verdict.
type Response struct {
	Score           float64  `json:"score"`
	Confidence      float64  `json:"confidence"`
	Factors         []string `json:"factors"`
	Recommendations []string `json:"recommendations"`
	ModelVersion    string   `json:"model_version"`
	SuggestedLevel  int      `json:"suggested_level,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// Client posts Requests to <baseURL>/v1/score.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Score(ctx context.Context, req Request) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrDisabled
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call severity model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read severity model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("severity model returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode severity model response: %w", err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
