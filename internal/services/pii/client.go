// -----------------------------------------------------------------------
// PII microservice client - POST /remove-pii with regex fallback
// -----------------------------------------------------------------------

package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/resilience"
)

// Client anonymizes text through the external PII microservice. When the
// service fails and the pii_regex_fallback_enabled flag is on, a local
// pattern-based scrub runs instead so a PII outage never blocks a job.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breakers   *resilience.Registry
	config     *common.Config
	logger     arbor.ILogger
}

var _ interfaces.PIIClient = (*Client)(nil)

// NewClient creates a PII microservice client.
func NewClient(config *common.Config, breakers *resilience.Registry, logger arbor.ILogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(config.Services.PIIServiceURL, "/"),
		apiKey:  config.Services.PIIAPIKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		breakers: breakers,
		config:   config,
		logger:   logger,
	}
}

type removePIIRequest struct {
	Text            string `json:"text"`
	Language        string `json:"language"`
	IncludeMetadata bool   `json:"include_metadata"`
}

// RemovePII anonymizes the text. External service first, regex fallback
// second.
func (c *Client) RemovePII(ctx context.Context, text, language string) (*interfaces.PIIResult, error) {
	if !c.config.Services.UseExternalPII || c.baseURL == "" {
		return c.regexFallback(text), nil
	}

	breaker := c.breakers.Get("pii_service")
	var result *interfaces.PIIResult
	err := resilience.Call(ctx, breaker, resilience.PolicyAPI, c.logger, "pii_remove", func() error {
		var callErr error
		result, callErr = c.callService(ctx, text, language)
		return callErr
	})
	if err != nil {
		if c.config.FeatureEnabled("pii_regex_fallback_enabled") {
			c.logger.Warn().Err(err).Msg("PII service failed, using regex fallback")
			return c.regexFallback(text), nil
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) callService(ctx context.Context, text, language string) (*interfaces.PIIResult, error) {
	payload, err := json.Marshal(removePIIRequest{
		Text:            text,
		Language:        language,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/remove-pii", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.WrapError(common.KindTimeout, "PII removal timed out", err)
		}
		return nil, common.WrapError(common.KindConnection, "PII service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, common.ClassifyHTTPStatus(resp.StatusCode, "PII service").WithDetail("response", string(body))
	}

	var result interfaces.PIIResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, common.WrapError(common.KindProcessing, "invalid PII service response", err)
	}
	return &result, nil
}

// Conservative patterns for German medical documents. The external service
// does the thorough job; these only catch the obvious identifiers.
var fallbackPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\+?\d{2,4}[\s/-]?\d{3,5}[\s/-]?\d{4,8}`), "[TELEFON]"},
	{regexp.MustCompile(`\b\d{1,2}\.\d{1,2}\.(19|20)\d{2}\b`), "[DATUM]"},
	{regexp.MustCompile(`\b[A-Z]\d{9}\b`), "[VERSICHERTENNR]"},
	{regexp.MustCompile(`(?i)(patient(in)?|name)\s*:\s*[^\n]+`), "$1: [NAME]"},
	{regexp.MustCompile(`(?i)(geb\.?(urtsdatum)?)\s*:\s*[^\n]+`), "$1: [DATUM]"},
	{regexp.MustCompile(`\b\d{5}\s+[A-ZÄÖÜ][a-zäöüß]+\b`), "[ORT]"},
}

func (c *Client) regexFallback(text string) *interfaces.PIIResult {
	cleaned := text
	replaced := 0
	for _, p := range fallbackPatterns {
		cleaned = p.re.ReplaceAllStringFunc(cleaned, func(match string) string {
			replaced++
			return p.re.ReplaceAllString(match, p.replacement)
		})
	}
	return &interfaces.PIIResult{
		CleanedText: cleaned,
		Metadata: map[string]interface{}{
			"method":       "regex_fallback",
			"replacements": replaced,
		},
	}
}

// HealthCheck probes GET /health on the external service. A disabled external
// service is healthy by definition (the fallback always works).
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.config.Services.UseExternalPII || c.baseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.WrapError(common.KindConnection, "PII service unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return common.ClassifyHTTPStatus(resp.StatusCode, "PII service")
	}
	return nil
}
