package kiro

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/toolcall"
)

func init() {
	provider.RegisterAdapterFactory(domain.ProviderTypeClaudeKiroOAuth, NewAdapter)
}

const usageCacheTTL = 5 * time.Minute

// UsageCache holds one provider's last-fetched quota snapshot.
type UsageCache struct {
	UsageLimits *UsageLimits
	CachedAt    time.Time
}

// KiroAdapter talks to AWS CodeWhisperer's generateAssistantResponse API on
// behalf of any number of ProviderRecords; it holds no per-record state of
// its own beyond the usage-quota cache, since credentials and refresh live on
// the record/pool and C2 respectively.
type KiroAdapter struct {
	httpClient *http.Client

	usageMu    sync.RWMutex
	usageCache map[string]*UsageCache
}

// NewAdapter builds a Kiro adapter. Satisfies provider.AdapterFactory.
func NewAdapter() (provider.ProviderAdapter, error) {
	return &KiroAdapter{
		httpClient: newKiroHTTPClient(),
		usageCache: make(map[string]*UsageCache),
	}, nil
}

// Initialize performs no one-time setup; credentials are owned by the pool.
func (a *KiroAdapter) Initialize(ctx context.Context, record *domain.ProviderRecord) error {
	if record.Credential.AccessToken == "" {
		return &domain.CredentialMissingError{ProviderUUID: record.UUID}
	}
	return nil
}

// Generate issues a non-streaming call by collecting the full EventStream
// response and reducing it to a single canonical message.
func (a *KiroAdapter) Generate(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext) (*domain.CanonicalMessage, *domain.Usage, error) {
	resp, inputTokens, err := a.doUpstream(ctx, record, model, reqCtx, false)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, domain.NewNetworkError(err)
	}

	parser := NewCompliantEventStreamParser()
	result, err := parser.ParseResponse(body)
	if err != nil {
		return nil, nil, &domain.ProtocolError{Detail: fmt.Sprintf("parse kiro event stream: %v", err)}
	}

	msg := &domain.CanonicalMessage{Role: domain.RoleAssistant}

	estimator := NewTokenEstimator()
	outputTokens := 0

	text := result.GetCompletionText()
	bracketCalls, text := toolcall.Extract(text)
	if text != "" {
		msg.Parts = append(msg.Parts, domain.CanonicalPart{Type: domain.PartText, Text: text})
		outputTokens += estimator.EstimateTextTokens(text)
	}
	for i, bc := range bracketCalls {
		msg.Parts = append(msg.Parts, domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: fmt.Sprintf("bracket_%s_%d", bc.Name, i),
			ToolName:  bc.Name,
			ToolInput: bc.Arguments,
		})
		outputTokens += estimator.EstimateToolUseTokens(bc.Name, bc.Arguments)
	}

	toolManager := parser.GetToolManager()

	var tools []*ToolExecution
	tools = append(tools, mapValues(toolManager.GetCompletedTools())...)
	tools = append(tools, mapValues(toolManager.GetActiveTools())...)
	for _, tool := range tools {
		input := tool.Arguments
		if input == nil {
			input = map[string]any{}
		}
		msg.Parts = append(msg.Parts, domain.CanonicalPart{
			Type:      domain.PartToolUse,
			ToolUseID: tool.ID,
			ToolName:  tool.Name,
			ToolInput: input,
		})
		outputTokens += estimator.EstimateToolUseTokens(tool.Name, input)
	}

	if outputTokens < 1 && len(msg.Parts) > 0 {
		outputTokens = 1
	}

	usage := &domain.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
	return msg, usage, nil
}

// Stream issues a streaming call, feeding the upstream EventStream body
// through the compliant parser and SSE sequencer and emitting a StreamEvent
// per decoded chunk.
func (a *KiroAdapter) Stream(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext, emit func(provider.StreamEvent) error) error {
	resp, inputTokens, err := a.doUpstream(ctx, record, model, reqCtx, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sp := newStreamProcessorContext(inputTokens, emit)

	if err := sp.processEventStream(ctx, resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewNetworkError(err)
	}

	if err := sp.flushBracketHold(); err != nil {
		return err
	}

	return emit(sp.finalEvent())
}

// doUpstream builds and issues the CodeWhisperer request, returning the raw
// response body for the caller to decode.
func (a *KiroAdapter) doUpstream(ctx context.Context, record *domain.ProviderRecord, model string, reqCtx *domain.RequestContext, stream bool) (*http.Response, int, error) {
	region := record.Credential.Region
	if region == "" {
		region = DefaultRegion
	}

	requestCtx := *reqCtx
	requestCtx.RequestModel = model

	cwBody, _, err := ConvertCanonicalToCodeWhisperer(&requestCtx, record.ModelMapping, reqCtx.RequestID)
	if err != nil {
		return nil, 0, domain.NewProxyErrorWithMessage(err, true, "failed to convert request")
	}

	inputTokens := NewTokenEstimator().EstimateInputTokens(&requestCtx)

	upstreamURL := fmt.Sprintf(CodeWhispererURLTemplate, region)

	resp, err := a.sendCodeWhispererRequest(ctx, upstreamURL, cwBody, record.Credential.AccessToken, stream)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, 0, domain.NewUpstreamStatusError(resp.StatusCode, string(body))
	}

	return resp, inputTokens, nil
}

// sendCodeWhispererRequest issues one POST to CodeWhisperer, mimicking the
// exact header set the Kiro IDE desktop client sends.
func (a *KiroAdapter) sendCodeWhispererRequest(ctx context.Context, upstreamURL string, body []byte, accessToken string, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	req.Header.Set("x-amzn-kiro-agent-mode", "spec")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.18 KiroIDE-0.2.13-66c23a8c5d15afabec89ef9954ef52a119f10d369df04d548fc6c1eac694b0d1")
	req.Header.Set("user-agent", "aws-sdk-js/1.0.18 ua/2.1 os/darwin#25.0.0 lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.18 m/E KiroIDE-0.2.13-66c23a8c5d15afabec89ef9954ef52a119f10d369df04d548fc6c1eac694b0d1")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(err)
	}
	return resp, nil
}

// CountTokens is a pure, best-effort estimate driven by the heuristic estimator.
func (a *KiroAdapter) CountTokens(reqCtx *domain.RequestContext) int {
	return NewTokenEstimator().EstimateInputTokens(reqCtx)
}

// ListModels returns the fixed set of CodeWhisperer target model ids this
// adapter maps onto; Kiro exposes no model-listing endpoint of its own.
func (a *KiroAdapter) ListModels(ctx context.Context, record *domain.ProviderRecord) ([]string, error) {
	return AvailableTargetModels, nil
}

// HealthCheck issues a minimal non-streaming generate call and reports whether
// it succeeded, never touching the record's usageCount.
func (a *KiroAdapter) HealthCheck(ctx context.Context, record *domain.ProviderRecord, force bool) (provider.HealthResult, error) {
	probeModel := AvailableTargetModels[0]
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

// GetUsageLimits fetches (and caches) CodeWhisperer's quota info for record.
func (a *KiroAdapter) GetUsageLimits(ctx context.Context, record *domain.ProviderRecord) (map[string]any, error) {
	limits, err := a.usageLimits(ctx, record)
	if err != nil {
		return nil, err
	}

	info := CalculateUsageInfo(limits)
	encoded, err := FastMarshal(info)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := FastUnmarshal(encoded, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func mapValues(m map[string]*ToolExecution) []*ToolExecution {
	result := make([]*ToolExecution, 0, len(m))
	for _, v := range m {
		result = append(result, v)
	}
	return result
}

// newKiroHTTPClient mirrors the Kiro desktop client's exact TLS and transport
// fingerprint: TLS 1.2-1.3 with a pinned cipher suite list, HTTP/2 disabled,
// no overall request timeout.
func newKiroHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
				DualStack: true,
			}).DialContext,

			TLSHandshakeTimeout: 15 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
				MaxVersion: tls.VersionTLS13,
				CipherSuites: []uint16{
					tls.TLS_AES_256_GCM_SHA384,
					tls.TLS_CHACHA20_POLY1305_SHA256,
					tls.TLS_AES_128_GCM_SHA256,
				},
			},

			ForceAttemptHTTP2:  false,
			DisableCompression: false,
		},
	}
}
