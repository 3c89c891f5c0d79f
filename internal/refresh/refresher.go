// Package refresh implements C2: per-provider-type token refresh exchanges,
// serialized per credential with singleflight so concurrent callers against
// the same stale provider trigger exactly one HTTP round trip.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/awsl-project/maxxgate/internal/domain"
)

// Exchanger performs the concrete HTTP refresh exchange for one provider type.
// Each ProviderType that needs a refresh registers one.
type Exchanger func(ctx context.Context, client *http.Client, cred domain.Credential) (domain.Credential, error)

// Refresher serializes and dispatches refreshes by provider UUID.
type Refresher struct {
	group      singleflight.Group
	httpClient *http.Client
	exchangers map[domain.ProviderType]Exchanger
}

// ManagerOption customizes Refresher construction.
type ManagerOption func(*Refresher)

// WithHTTPClient overrides the HTTP client used for refresh calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(r *Refresher) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// NewRefresher builds a Refresher with the default exchangers registered for
// every provider type spec.md §4.2 names.
func NewRefresher(opts ...ManagerOption) *Refresher {
	r := &Refresher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		exchangers: make(map[domain.ProviderType]Exchanger),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.exchangers[domain.ProviderTypeClaudeKiroOAuth] = kiroExchanger
	r.exchangers[domain.ProviderTypeGeminiCLIOAuth] = oauth2RefreshExchanger(geminiCLIEndpoint)
	r.exchangers[domain.ProviderTypeGeminiAntigrav] = oauth2RefreshExchanger(geminiAntigravityEndpoint)
	r.exchangers[domain.ProviderTypeOpenAIQwenOAuth] = oauth2RefreshExchanger(qwenEndpoint)
	r.exchangers[domain.ProviderTypeOpenAIIFlow] = oauth2RefreshExchanger(iflowEndpoint)
	return r
}

// Register overrides or adds an exchanger for a provider type (tests, custom deployments).
func (r *Refresher) Register(pt domain.ProviderType, ex Exchanger) {
	r.exchangers[pt] = ex
}

// NeedsRefresh reports whether expiresAt is within nearWindow of now.
func NeedsRefresh(cred domain.Credential, now time.Time, nearWindow time.Duration) bool {
	exp := cred.ExpiresAtTime()
	if exp.IsZero() {
		return cred.AccessToken == ""
	}
	return exp.Sub(now) < nearWindow
}

// Refresh runs the exchange for record, serialized per UUID. Concurrent
// callers for the same UUID share one in-flight call and its result.
func (r *Refresher) Refresh(ctx context.Context, record *domain.ProviderRecord) (domain.Credential, error) {
	ex, ok := r.exchangers[record.ProviderType]
	if !ok {
		return domain.Credential{}, &domain.NotSupportedError{Adapter: string(record.ProviderType), Capability: "refresh"}
	}

	v, err, _ := r.group.Do(record.UUID, func() (any, error) {
		newCred, err := ex(ctx, r.httpClient, record.Credential)
		if err != nil {
			return nil, err
		}
		if newCred.AccessToken == "" {
			return nil, &domain.RefreshFailedError{ProviderUUID: record.UUID}
		}
		return newCred, nil
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return v.(domain.Credential), nil
}

// kiroExchanger dispatches to the social or IdC exchange per AuthMethod.
func kiroExchanger(ctx context.Context, client *http.Client, cred domain.Credential) (domain.Credential, error) {
	if cred.AuthMethod == domain.AuthMethodIdC {
		return kiroIdCExchange(ctx, client, cred)
	}
	return kiroSocialExchange(ctx, client, cred)
}

func kiroSocialExchange(ctx context.Context, client *http.Client, cred domain.Credential) (domain.Credential, error) {
	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	refreshURL := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)

	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, strings.NewReader(string(body)))
	if err != nil {
		return domain.Credential{}, domain.NewNetworkError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRefreshPost(client, req, cred)
}

func kiroIdCExchange(ctx context.Context, client *http.Client, cred domain.Credential) (domain.Credential, error) {
	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	idcURL := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	body, _ := json.Marshal(map[string]string{
		"refreshToken": cred.RefreshToken,
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"grantType":    "refresh_token",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idcURL, strings.NewReader(string(body)))
	if err != nil {
		return domain.Credential{}, domain.NewNetworkError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRefreshPost(client, req, cred)
}

func doRefreshPost(client *http.Client, req *http.Request, cred domain.Credential) (domain.Credential, error) {
	resp, err := client.Do(req)
	if err != nil {
		return domain.Credential{}, domain.NewNetworkError(err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Credential{}, &domain.RefreshFailedError{Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 || out.AccessToken == "" {
		return domain.Credential{}, &domain.RefreshFailedError{Status: resp.StatusCode}
	}

	newCred := cred
	newCred.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		newCred.RefreshToken = out.RefreshToken
	}
	if out.ProfileArn != "" {
		newCred.ProfileArn = out.ProfileArn
	}
	if out.ExpiresIn > 0 {
		newCred.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	return newCred, nil
}

type oauth2Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

var (
	geminiCLIEndpoint         = oauth2Endpoint{TokenURL: "https://oauth2.googleapis.com/token"}
	geminiAntigravityEndpoint = oauth2Endpoint{TokenURL: "https://oauth2.googleapis.com/token"}
	qwenEndpoint              = oauth2Endpoint{TokenURL: "https://chat.qwen.ai/api/v1/oauth2/token"}
	iflowEndpoint             = oauth2Endpoint{TokenURL: "https://iflow.cn/oauth/token"}
)

// oauth2RefreshExchanger builds an Exchanger performing a standard OAuth2
// refresh_token grant against ep, used by the Gemini-CLI/Antigravity/Qwen/
// iFlow adapters which share a single exchange shape. The grant itself is
// delegated to golang.org/x/oauth2's TokenSource rather than hand-rolled form
// encoding, with client injected via oauth2.HTTPClient so the call still
// goes through the Refresher's configured http.Client.
func oauth2RefreshExchanger(ep oauth2Endpoint) Exchanger {
	return func(ctx context.Context, client *http.Client, cred domain.Credential) (domain.Credential, error) {
		clientID := cred.ClientID
		if clientID == "" {
			clientID = ep.ClientID
		}
		clientSecret := cred.ClientSecret
		if clientSecret == "" {
			clientSecret = ep.ClientSecret
		}

		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: ep.TokenURL},
		}

		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		token, err := src.Token()
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			status := 0
			if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return domain.Credential{}, &domain.RefreshFailedError{Status: status}
		}
		if token.AccessToken == "" {
			return domain.Credential{}, &domain.RefreshFailedError{}
		}

		newCred := cred
		newCred.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			newCred.RefreshToken = token.RefreshToken
		}
		if !token.Expiry.IsZero() {
			newCred.ExpiresAt = token.Expiry.UTC().Format(time.RFC3339)
		}
		return newCred, nil
	}
}
