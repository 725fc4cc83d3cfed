// -----------------------------------------------------------------------
// Guideline RAG client - Dify-style chat-messages endpoint
// -----------------------------------------------------------------------

package guideline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/klartext-med/klartext/internal/common"
	"github.com/klartext-med/klartext/internal/interfaces"
	"github.com/klartext-med/klartext/internal/resilience"
)

// Client queries the medical-guideline RAG service (Dify-compatible API) and
// formats the recommendations with bilingual headers when a target language
// is set.
type Client struct {
	baseURL    string
	apiKey     string
	enabled    bool
	httpClient *http.Client
	breakers   *resilience.Registry
	logger     arbor.ILogger
}

var _ interfaces.GuidelineClient = (*Client)(nil)

// NewClient creates a guideline RAG client.
func NewClient(config *common.Config, breakers *resilience.Registry, logger arbor.ILogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(config.Services.DifyRAGURL, "/"),
		apiKey:  config.Services.DifyRAGAPIKey,
		enabled: config.Services.UseDifyRAG,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		breakers: breakers,
		logger:   logger,
	}
}

type chatMessageRequest struct {
	Query        string            `json:"query"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
	Inputs       map[string]string `json:"inputs"`
}

type chatMessageResponse struct {
	Answer   string `json:"answer"`
	Metadata struct {
		RetrieverResources []struct {
			DocumentName string  `json:"document_name"`
			Score        float64 `json:"score"`
		} `json:"retriever_resources"`
	} `json:"metadata"`
}

// Query sends the diagnosis text to the RAG service and returns formatted
// guideline recommendations. Returns an empty string when the service is
// disabled.
func (c *Client) Query(ctx context.Context, query, targetLanguage string) (string, error) {
	if !c.enabled || c.baseURL == "" {
		return "", nil
	}

	breaker := c.breakers.Get("guideline_rag")
	var resp *chatMessageResponse
	err := resilience.Call(ctx, breaker, resilience.PolicyConservative, c.logger, "guideline_query", func() error {
		var callErr error
		resp, callErr = c.callService(ctx, query)
		return callErr
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return "", nil
	}
	return c.format(resp, targetLanguage), nil
}

func (c *Client) callService(ctx context.Context, query string) (*chatMessageResponse, error) {
	payload, err := json.Marshal(chatMessageRequest{
		Query:        query,
		ResponseMode: "blocking",
		User:         "klartext-pipeline",
		Inputs:       map[string]string{},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, common.WrapError(common.KindTimeout, "guideline query timed out", err)
		}
		return nil, common.WrapError(common.KindConnection, "guideline service unreachable", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, common.ClassifyHTTPStatus(httpResp.StatusCode, "guideline service").WithDetail("response", string(body))
	}

	var resp chatMessageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, common.WrapError(common.KindProcessing, "invalid guideline service response", err)
	}
	return &resp, nil
}

// format renders the answer with a bilingual header and the source list.
func (c *Client) format(resp *chatMessageResponse, targetLanguage string) string {
	var out strings.Builder

	header := "## Leitlinien-Empfehlungen"
	if targetLanguage != "" && !strings.EqualFold(targetLanguage, "de") {
		header += " / Guideline Recommendations"
	}
	out.WriteString(header)
	out.WriteString("\n\n")
	out.WriteString(strings.TrimSpace(resp.Answer))

	if len(resp.Metadata.RetrieverResources) > 0 {
		out.WriteString("\n\n**Quellen / Sources:**\n")
		for _, res := range resp.Metadata.RetrieverResources {
			out.WriteString(fmt.Sprintf("- %s\n", res.DocumentName))
		}
	}
	return out.String()
}

// HealthCheck verifies the service is configured. The Dify API has no
// dedicated health endpoint; a disabled service is healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	if c.baseURL == "" || c.apiKey == "" {
		return fmt.Errorf("guideline service is enabled but not configured")
	}
	return nil
}
