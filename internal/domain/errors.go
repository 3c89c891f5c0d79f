package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNoProviders       = errors.New("no providers available")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrFirstByteTimeout  = errors.New("first byte timeout")
	ErrStreamIdleTimeout = errors.New("stream idle timeout")
	ErrUpstreamError     = errors.New("upstream error")
	ErrFormatConversion  = errors.New("format conversion error")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCredentialMissing = errors.New("credential missing")
	ErrNotSupported      = errors.New("operation not supported by this adapter")
)

// ProxyError represents an error during proxy execution. Retryable flags
// whether the dispatch pipeline should attempt another provider; IsServerError
// and Status carry enough of the upstream shape to decide that without
// re-parsing the response body.
type ProxyError struct {
	Err           error
	Retryable     bool
	Message       string
	Status        int
	IsServerError bool
	IsNetworkErr  bool
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func NewProxyError(err error, retryable bool) *ProxyError {
	return &ProxyError{Err: err, Retryable: retryable}
}

func NewProxyErrorWithMessage(err error, retryable bool, msg string) *ProxyError {
	return &ProxyError{Err: err, Retryable: retryable, Message: msg}
}

// NewUpstreamStatusError builds a ProxyError from an upstream HTTP response,
// classifying retryability by status: 429/5xx are retryable, other 4xx are not.
func NewUpstreamStatusError(status int, body string) *ProxyError {
	retryable := status == 429 || status >= 500
	return &ProxyError{
		Err:           fmt.Errorf("upstream status %d: %s", status, body),
		Retryable:     retryable,
		Status:        status,
		IsServerError: status >= 500,
	}
}

// NewNetworkError wraps a transport-level failure (dial/timeout/reset), always retryable.
func NewNetworkError(err error) *ProxyError {
	return &ProxyError{Err: err, Retryable: true, IsNetworkErr: true, Message: "network error"}
}

// AuthError signals the caller presented no/invalid inbound credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// CredentialMissingError signals C1 found no usable refresh/access token.
type CredentialMissingError struct {
	ProviderUUID string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("credential missing for provider %s", e.ProviderUUID)
}

func (e *CredentialMissingError) Unwrap() error { return ErrCredentialMissing }

// RefreshFailedError signals C2's refresh exchange did not return a usable access token.
type RefreshFailedError struct {
	Status       int
	ProviderUUID string
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("refresh failed for provider %s: status %d", e.ProviderUUID, e.Status)
}

// ProtocolError signals a conversion between wire dialects could not be performed.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Detail }

func (e *ProtocolError) Unwrap() error { return ErrFormatConversion }

// NotSupportedError signals an adapter does not implement an optional capability.
type NotSupportedError struct {
	Adapter    string
	Capability string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Adapter, e.Capability)
}

func (e *NotSupportedError) Unwrap() error { return ErrNotSupported }
