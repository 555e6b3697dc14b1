package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ai_routing/internal/models"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody         = 512
	maxResponseBody      = 32 << 20
)

// endpoints maps a capability to its OpenAI-compatible path
var endpoints = map[models.Feature]string{
	models.FeatureChat:       "/chat/completions",
	models.FeatureCompletion: "/completions",
	models.FeatureEmbedding:  "/embeddings",
	models.FeatureGenerate:   "/images/generations",
	models.FeatureEdit:       "/images/edits",
	models.FeatureVariation:  "/images/variations",
	models.FeatureTTS:        "/audio/speech",
	models.FeatureSTT:        "/audio/transcriptions",
	models.FeatureCaption:    "/chat/completions",
}

// OpenAICompatible talks to any provider exposing the OpenAI REST surface
// with bearer authentication. Most direct providers and every aggregator in
// the default catalog do.
type OpenAICompatible struct {
	client *http.Client
}

// NewOpenAICompatible creates a client. Timeouts come from the caller's
// context, so the transport sets none of its own.
func NewOpenAICompatible(client *http.Client) *OpenAICompatible {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &OpenAICompatible{client: client}
}

func baseURL(call Call) string {
	if call.BaseURL == "" {
		return openAIDefaultBaseURL
	}
	return strings.TrimRight(call.BaseURL, "/")
}

// Invoke posts the payload to the capability's endpoint
func (c *OpenAICompatible) Invoke(ctx context.Context, call Call) (*Result, error) {
	path, ok := endpoints[call.Capability]
	if !ok {
		return nil, &Error{Kind: KindClient, Message: fmt.Sprintf("capability %q has no endpoint", call.Capability)}
	}

	payload := make(map[string]any, len(call.Payload)+1)
	for k, v := range call.Payload {
		payload[k] = v
	}
	payload["model"] = call.Model
	// usage arrives in the final chunk only; streaming is not proxied
	delete(payload, "stream")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindClient, Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(call)+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindClient, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+call.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	latency := time.Since(start)
	if err != nil {
		return &Result{StatusCode: resp.StatusCode, Latency: latency}, transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{StatusCode: resp.StatusCode, Latency: latency}, &Error{
			Kind:       KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(respBody),
		}
	}

	result := &Result{
		Body:       respBody,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		// binary payloads (speech) carry no usage block
		result.Body = nil
		return result, nil
	}
	if !gjson.ValidBytes(respBody) {
		return result, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Message: "response is not valid JSON"}
	}
	extractUsage(respBody, result)
	return result, nil
}

// Verify lists models, the cheapest authenticated call on the surface
func (c *OpenAICompatible) Verify(ctx context.Context, call Call) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(call)+"/models", nil)
	if err != nil {
		return &Error{Kind: KindClient, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+call.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Kind:       KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(body),
		}
	}
	return nil
}

// extractUsage reads token counts in either the chat/completions shape
// (prompt_tokens/completion_tokens) or the responses shape
// (input_tokens/output_tokens), plus a reported cost when the provider
// includes one
func extractUsage(body []byte, result *Result) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}

	result.InputTokens = firstInt(usage, "input_tokens", "prompt_tokens")
	result.OutputTokens = firstInt(usage, "output_tokens", "completion_tokens")
	if result.InputTokens == 0 && result.OutputTokens == 0 {
		// embeddings only report a total
		result.InputTokens = usage.Get("total_tokens").Int()
	}
	if cost := usage.Get("cost"); cost.Exists() {
		result.CostUSD = cost.Float()
	}
}

func firstInt(obj gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// upstreamMessage pulls error.message out of an error body, falling back
// to a truncated raw body
func upstreamMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "upstream call timed out"}
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: "upstream call cancelled"}
	default:
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
}
