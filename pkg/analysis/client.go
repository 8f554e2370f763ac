package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned without touching the network when the
// breaker is open. Callers should not retry until the reset window
// elapses.
var ErrCircuitOpen = errors.New("analysis circuit breaker open")

// resultSchema is the envelope contract for collaborator responses.
// Responses that do not satisfy it are rejected before any value
// reaches the store.
const resultSchema = `{
  "type": "object",
  "required": ["recommendation", "confidence", "risk_score"],
  "properties": {
    "recommendation": {"enum": ["approve", "deny", "partial", "review"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risk_score": {"type": "number", "minimum": 0, "maximum": 1},
    "findings": {"type": "string"}
  }
}`

// HTTPClientConfig tunes the collaborator client. Zero values fall back
// to production defaults.
type HTTPClientConfig struct {
	BaseURL          string
	RequestTimeout   time.Duration
	RatePerSecond    float64
	RateBurst        int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// HTTPClient talks to the AI analysis collaborator over HTTP. One call
// per Analyze: rate limit, breaker check, POST, schema-validate the
// envelope. Retry policy lives with the caller.
type HTTPClient struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	schema  *jsonschema.Schema
	log     *slog.Logger
}

var _ Analyzer = (*HTTPClient)(nil)

// NewHTTPClient builds a collaborator client. The response schema is
// compiled once here; a compile failure is a programming error and is
// surfaced immediately.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analysis client: base URL required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://authcore.schemas.local/analysis/result.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(resultSchema)); err != nil {
		return nil, fmt.Errorf("analysis result schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("analysis result schema compile failed: %w", err)
	}

	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		breaker: NewCircuitBreaker("analysis", cfg.BreakerThreshold, cfg.BreakerReset),
		schema:  compiled,
		log:     slog.Default().With("component", "analysis.client"),
	}, nil
}

// Analyze performs one collaborator call.
func (h *HTTPClient) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if !h.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/v1/analyses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Case-ID", req.CaseID)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.breaker.Failure()
		return nil, fmt.Errorf("analysis call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		h.breaker.Failure()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("analysis call: upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx means the request itself is bad. The breaker stays
		// closed, the upstream is healthy.
		h.breaker.Success()
		return nil, fmt.Errorf("analysis call rejected: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		h.breaker.Failure()
		return nil, fmt.Errorf("read analysis response: %w", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		h.breaker.Failure()
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if err := h.schema.Validate(envelope); err != nil {
		h.breaker.Failure()
		return nil, fmt.Errorf("analysis response rejected by schema: %w", err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		h.breaker.Failure()
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}

	h.breaker.Success()
	h.log.Debug("analysis completed",
		"case_id", req.CaseID,
		"type", string(req.Type),
		"recommendation", string(result.Recommendation),
		"risk_score", result.RiskScore)
	return &result, nil
}
