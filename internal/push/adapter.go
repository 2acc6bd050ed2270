// Package push wraps the external push provider. The provider is treated as
// a best-effort async sender: transient outages surface as retryable
// failures, dead device tokens as fatal ones that trigger invalidation.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agrolert/backend/internal/farms"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrProviderUnavailable marks a transient provider failure worth retrying.
	ErrProviderUnavailable = errors.New("push: provider unavailable")
	// ErrTokenUnregistered marks a dead device token; retrying cannot help.
	ErrTokenUnregistered = errors.New("push: device token unregistered")
	// ErrRejected marks a permanent, non-token provider rejection.
	ErrRejected = errors.New("push: payload rejected")
)

// IsRetryable reports whether the failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// Payload is the notification content handed to the provider.
type Payload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Severity string            `json:"severity"`
	Data     map[string]string `json:"data,omitempty"`
}

// TokenDirectory resolves and invalidates owner device tokens. Satisfied by
// the farm service; the adapter invokes invalidation as a side effect of a
// fatal token failure.
type TokenDirectory interface {
	GetOwnerDeviceToken(ctx context.Context, ownerID farms.OwnerID) (string, error)
	InvalidateDeviceToken(ctx context.Context, ownerID farms.OwnerID) error
}

// AdapterConfig configures the push adapter.
type AdapterConfig struct {
	ProviderURL string
	ProviderKey string
	Timeout     time.Duration
	Tokens      TokenDirectory
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Adapter sends notifications through the provider's HTTP API. The provider
// offers no idempotency guarantee, so callers accept a small duplicate risk
// when they retry.
type Adapter struct {
	providerURL string
	providerKey string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	tokens      TokenDirectory
	logger      *zap.Logger
}

// NewAdapter constructs the adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if strings.TrimSpace(cfg.ProviderURL) == "" {
		return nil, fmt.Errorf("push: provider url is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("push: token directory is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "push-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Token failures are the caller's problem, not provider health.
			return err == nil || errors.Is(err, ErrTokenUnregistered) || errors.Is(err, ErrRejected)
		},
	})
	return &Adapter{
		providerURL: cfg.ProviderURL,
		providerKey: cfg.ProviderKey,
		client:      client,
		breaker:     breaker,
		tokens:      cfg.Tokens,
		logger:      logger,
	}, nil
}

// SendToOwner resolves the owner's device token and delivers the payload,
// returning the provider's external message id. A dead token is invalidated
// before the fatal failure is returned.
func (a *Adapter) SendToOwner(ctx context.Context, ownerID farms.OwnerID, payload Payload) (string, error) {
	token, err := a.tokens.GetOwnerDeviceToken(ctx, ownerID)
	if err != nil {
		return "", err
	}

	externalID, err := a.Send(ctx, token, payload)
	if errors.Is(err, ErrTokenUnregistered) {
		if invalidateErr := a.tokens.InvalidateDeviceToken(ctx, ownerID); invalidateErr != nil {
			a.logger.Warn("device token invalidation failed",
				zap.String("owner_id", ownerID.String()),
				zap.Error(invalidateErr))
		}
	}
	return externalID, err
}

type providerRequest struct {
	To           string  `json:"to"`
	Notification Payload `json:"notification"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers the payload to a single device endpoint.
func (a *Adapter) Send(ctx context.Context, deviceToken string, payload Payload) (string, error) {
	if deviceToken == "" {
		return "", ErrTokenUnregistered
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.send(ctx, deviceToken, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return "", err
	}
	return result.(string), nil
}

func (a *Adapter) send(ctx context.Context, deviceToken string, payload Payload) (string, error) {
	body, err := json.Marshal(providerRequest{To: deviceToken, Notification: payload})
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.providerURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if a.providerKey != "" {
		request.Header.Set("Authorization", "Bearer "+a.providerKey)
	}

	response, err := a.client.Do(request)
	if err != nil {
		// Timeouts and connection errors are transient by definition here.
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
		var decoded providerResponse
		if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
			return "", fmt.Errorf("%w: undecodable response: %v", ErrProviderUnavailable, err)
		}
		if decoded.MessageID == "" {
			return "", fmt.Errorf("%w: empty message id", ErrRejected)
		}
		return decoded.MessageID, nil
	case response.StatusCode == http.StatusNotFound, response.StatusCode == http.StatusGone:
		return "", ErrTokenUnregistered
	case response.StatusCode == http.StatusTooManyRequests, response.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, response.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrRejected, response.StatusCode)
	}
}
