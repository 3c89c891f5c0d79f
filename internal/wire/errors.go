package wire

import (
	"net/http"

	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// EncodeError renders err in format's dialect shape, per spec.md §7 ("non-
// retriable errors propagate but are first translated to the client's
// requested dialect"), returning the body and the HTTP status to send it
// with.
func EncodeError(format domain.WireFormat, err error) ([]byte, int) {
	status, typ, message := classify(err)

	var body any
	switch format {
	case domain.WireFormatAnthropic:
		body = map[string]any{"type": "error", "error": map[string]any{"type": typ, "message": message}}
	case domain.WireFormatGemini:
		body = map[string]any{"error": map[string]any{"code": status, "status": typ, "message": message}}
	default: // OpenAI and fallback
		body = map[string]any{"error": map[string]any{"type": typ, "message": message}}
	}

	b, marshalErr := jsonutil.Marshal(body)
	if marshalErr != nil {
		return []byte(`{"error":{"message":"internal error"}}`), http.StatusInternalServerError
	}
	return b, status
}

func classify(err error) (status int, typ string, message string) {
	switch e := err.(type) {
	case *domain.AuthError:
		return http.StatusUnauthorized, "authentication_error", e.Error()
	case *domain.CredentialMissingError:
		return http.StatusBadGateway, "provider_unavailable", e.Error()
	case *domain.RefreshFailedError:
		return http.StatusBadGateway, "provider_unavailable", e.Error()
	case *domain.ProtocolError:
		return http.StatusBadGateway, "protocol_error", e.Error()
	case *domain.NotSupportedError:
		return http.StatusNotImplemented, "not_supported", e.Error()
	case *domain.ProxyError:
		if e.Status != 0 {
			return e.Status, "upstream_error", e.Error()
		}
		return http.StatusBadGateway, "upstream_error", e.Error()
	default:
		if err == domain.ErrNoProviders || err == domain.ErrAllProvidersFailed {
			return http.StatusServiceUnavailable, "provider_unavailable", err.Error()
		}
		return http.StatusInternalServerError, "internal_error", err.Error()
	}
}
