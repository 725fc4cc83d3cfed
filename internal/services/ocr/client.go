// -----------------------------------------------------------------------
// OCR microservice client - POST /extract multipart, X-API-Key auth
// -----------------------------------------------------------------------

package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
)

// Client talks to the OCR microservice.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
}

var _ interfaces.OCRClient = (*Client)(nil)

// NewClient creates an OCR microservice client.
func NewClient(baseURL, apiKey string, logger arbor.ILogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

// Extract streams the file to the service and returns the recognized text.
func (c *Client) Extract(ctx context.Context, filename string, data []byte) (*interfaces.OCRResult, error) {
	if c.baseURL == "" {
		return nil, common.NewError(common.KindUnavailable, "OCR service is not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.WrapError(common.KindTimeout, "OCR extraction timed out", err)
		}
		return nil, common.WrapError(common.KindConnection, "OCR service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, common.ClassifyHTTPStatus(resp.StatusCode, "OCR service").WithDetail("response", string(payload))
	}

	var result interfaces.OCRResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, common.WrapError(common.KindProcessing, "invalid OCR service response", err)
	}

	c.logger.Debug().
		Str("filename", filename).
		Str("engine", result.Engine).
		Float64("confidence", result.Confidence).
		Int("lines", result.LinesDetected).
		Dur("duration", time.Since(started)).
		Msg("OCR extraction finished")

	return &result, nil
}

// HealthCheck probes GET /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("OCR service is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OCR service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
