// Package custom implements the generic passthrough adapters for
// self-hosted or third-party backends that merely speak one of the two
// dialects this gateway already understands natively: an OpenAI-compatible
// chat/completions endpoint, or a Claude-compatible messages endpoint.
// Grounded on the teacher's own custom adapter (header filtering,
// retryable-status classification, Gemini-model-in-path rewriting), rebuilt
// around the canonical ProviderAdapter contract instead of raw
// http.ResponseWriter passthrough — translation now goes through
// internal/wire's upstream-direction helpers instead of the teacher's
// per-client-type converter.Registry.
package custom

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/converter"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
	"github.com/awsl-project/maxxgate/internal/usage"
	"github.com/awsl-project/maxxgate/internal/wire"
)

func init() {
	provider.RegisterAdapterFactory(domain.ProviderTypeOpenAICompatible, NewOpenAIAdapter)
	provider.RegisterAdapterFactory(domain.ProviderTypeClaudeCompatible, NewClaudeAdapter)
}

// Adapter forwards canonical requests to a generic upstream speaking one
// wire dialect, re-using internal/wire's encode/decode pair in place of the
// teacher's Execute(ctx, w, req, provider) raw-byte forwarding.
type Adapter struct {
	format     domain.WireFormat
	httpClient *http.Client
}

// NewOpenAIAdapter builds the adapter for generic OpenAI-compatible
// backends. Satisfies provider.AdapterFactory.
func NewOpenAIAdapter() (provider.ProviderAdapter, error) {
	return &Adapter{format: domain.WireFormatOpenAI, httpClient: newHTTPClient()}, nil
}

// NewClaudeAdapter builds the adapter for generic Claude-compatible
// backends. Satisfies provider.AdapterFactory.
func NewClaudeAdapter() (provider.ProviderAdapter, error) {
	return &Adapter{format: domain.WireFormatAnthropic, httpClient: newHTTPClient()}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// Initialize requires at minimum a configured base URL; the API key may be
// legitimately empty for an unauthenticated local backend.
func (a *Adapter) Initialize(ctx context.Context, record *domain.ProviderRecord) error {
	if record.Credential.BaseURL == "" {
		return &domain.CredentialMissingError{ProviderUUID: record.UUID}
	}
	return nil
}

func (a *Adapter) requestPath() string {
	if a.format == domain.WireFormatAnthropic {
		return "/v1/messages"
	}
	return "/chat/completions"
}

func (a *Adapter) url(record *domain.ProviderRecord) string {
	return strings.TrimSuffix(record.Credential.BaseURL, "/") + a.requestPath()
}

func setAuthHeader(req *http.Request, format domain.WireFormat, apiKey string) {
	if apiKey == "" {
		return
	}
	if format == domain.WireFormatAnthropic {
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func (a *Adapter) newUpstreamRequest(ctx context.Context, record *domain.ProviderRecord, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(record), bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "identity")
	setAuthHeader(req, a.format, record.Credential.APIKey)
	return req, nil
}

// Generate issues a non-streaming call and reduces the upstream's reply to a
// canonical message via wire.ParseResponse.
func (a *Adapter) Generate(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext) (*domain.CanonicalMessage, *domain.Usage, error) {
	requestCtx := *reqCtx
	requestCtx.Stream = false
	body, err := wire.EncodeRequest(a.format, &requestCtx, model)
	if err != nil {
		return nil, nil, domain.NewProxyErrorWithMessage(err, false, "failed to encode upstream request")
	}

	req, err := a.newUpstreamRequest(ctx, record, body)
	if err != nil {
		return nil, nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, domain.NewNetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, domain.NewNetworkError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, domain.NewUpstreamStatusError(resp.StatusCode, string(respBody))
	}

	msg, u, err := wire.ParseResponse(a.format, respBody)
	if err != nil {
		return nil, nil, err
	}
	return msg, u, nil
}

// Stream issues a streaming call, decoding the upstream's SSE body
// incrementally through converter.ParseSSE and wire.UpstreamStreamDecoder.
func (a *Adapter) Stream(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext, emit func(provider.StreamEvent) error) error {
	requestCtx := *reqCtx
	requestCtx.Stream = true
	body, err := wire.EncodeRequest(a.format, &requestCtx, model)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, false, "failed to encode upstream request")
	}

	req, err := a.newUpstreamRequest(ctx, record, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.NewUpstreamStatusError(resp.StatusCode, string(respBody))
	}

	decoder := wire.NewUpstreamStreamDecoder(a.format)
	reader := bufio.NewReader(resp.Body)
	var buf strings.Builder

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := reader.ReadString('\n')
		buf.WriteString(line)

		events, remaining := converter.ParseSSE(buf.String())
		buf.Reset()
		buf.WriteString(remaining)

		for _, ev := range events {
			decoded, done := decoder.Decode(ev)
			for _, de := range decoded {
				if emitErr := emit(de); emitErr != nil {
					return emitErr
				}
			}
			if done {
				return nil
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			return domain.NewNetworkError(err)
		}
	}
}

// CountTokens delegates to the provider-agnostic local estimator; generic
// backends have no canonical way to report their own tokenizer's count
// ahead of a call.
func (a *Adapter) CountTokens(reqCtx *domain.RequestContext) int {
	return usage.CountTokens(reqCtx)
}

// ListModels queries the OpenAI-compatible /models endpoint when available.
// Claude-compatible backends have no standard model-listing endpoint, so
// that direction reports none and lets reqCtx's requested model pass
// through unmapped.
func (a *Adapter) ListModels(ctx context.Context, record *domain.ProviderRecord) ([]string, error) {
	if a.format != domain.WireFormatOpenAI {
		return nil, &domain.NotSupportedError{Adapter: string(domain.ProviderTypeClaudeCompatible), Capability: "list models"}
	}
	url := strings.TrimSuffix(record.Credential.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	setAuthHeader(req, a.format, record.Credential.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, domain.NewUpstreamStatusError(resp.StatusCode, string(body))
	}

	listBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := jsonutil.Unmarshal(listBody, &list); err != nil {
		return nil, &domain.ProtocolError{Detail: "decode model list: " + err.Error()}
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// HealthCheck issues a minimal non-streaming generate call.
func (a *Adapter) HealthCheck(ctx context.Context, record *domain.ProviderRecord, force bool) (provider.HealthResult, error) {
	probeModel := record.LastHealthCheckModel
	if probeModel == "" {
		probeModel = "gpt-4o-mini"
		if a.format == domain.WireFormatAnthropic {
			probeModel = "claude-3-5-haiku-20241022"
		}
	}
	reqCtx := &domain.RequestContext{
		RequestID:    "healthcheck",
		RequestModel: probeModel,
		Messages: []domain.CanonicalMessage{
			{Role: domain.RoleUser, Parts: []domain.CanonicalPart{{Type: domain.PartText, Text: "ping"}}},
		},
	}
	_, _, err := a.Generate(ctx, record, probeModel, reqCtx)
	if err != nil {
		return provider.HealthResult{OK: false, Error: err.Error()}, nil
	}
	return provider.HealthResult{OK: true, ModelName: probeModel}, nil
}

// GetUsageLimits is not exposed by generic compatible backends.
func (a *Adapter) GetUsageLimits(ctx context.Context, record *domain.ProviderRecord) (map[string]any, error) {
	return nil, &domain.NotSupportedError{Adapter: string(a.format), Capability: "usage limits"}
}

