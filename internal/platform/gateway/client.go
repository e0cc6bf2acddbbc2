// Package gateway delivers subscription notifications to the health
// information gateway, which forwards them to the subscribing HIU.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/correlation"
)

const (
	notifyPath  = "/v0.5/subscriptions/hiu/notify"
	sessionPath = "/v0.5/sessions"

	// HeaderHIUID addresses a gateway call to one HIU.
	HeaderHIUID = "X-HIU-ID"

	sessionCacheKey = "gateway:session"
	// sessionExpiryMargin is subtracted from the token lifetime so a cached
	// token is never presented right as it expires.
	sessionExpiryMargin = 30 * time.Second
)

// TokenCache stores the gateway session token between calls.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Notifier is the delivery contract used by the notification relay.
type Notifier interface {
	Notify(ctx context.Context, env Envelope, hiuID string) error
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RetryCount   int
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. Zero means 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type sessionRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type sessionResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// statusError is a non-2xx gateway response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Status, e.Body)
}

// Client calls the gateway with resty. Transport errors and 5xx responses
// are retried by resty and counted by the circuit breaker; 4xx responses
// fail immediately.
type Client struct {
	http    *resty.Client
	cfg     Config
	tokens  TokenCache
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	// sessions collapses concurrent session requests into one call.
	sessions singleflight.Group
	logger   zerolog.Logger
}

func NewClient(cfg Config, tokens TokenCache, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	c := &Client{
		http:   httpClient,
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

// Notify posts env to the gateway addressed to hiuID. A 401 evicts the
// session token and the call is repeated once with a fresh one. Any failure
// is returned as network_service_error.
func (c *Client) Notify(ctx context.Context, env Envelope, hiuID string) error {
	token, err := c.sessionToken(ctx, "")
	if err != nil {
		return apperr.NetworkServiceError(fmt.Errorf("obtain gateway session: %w", err))
	}

	err = c.post(ctx, env, hiuID, token)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
		c.logger.Info().Msg("gateway rejected session token, refreshing")
		c.evictSession(ctx, token)
		if token, err = c.sessionToken(ctx, token); err != nil {
			return apperr.NetworkServiceError(fmt.Errorf("refresh gateway session: %w", err))
		}
		err = c.post(ctx, env, hiuID, token)
	}
	if err != nil {
		return apperr.NetworkServiceError(err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, env Envelope, hiuID, token string) error {
	_, err := c.breaker.Execute(func() (*resty.Response, error) {
		req := c.http.R().
			SetContext(ctx).
			SetHeader(HeaderHIUID, hiuID).
			SetHeader("Authorization", "Bearer "+token).
			SetBody(env)
		if id := correlation.ID(ctx); id != "" {
			req.SetHeader(correlation.Header, id)
		}
		resp, err := req.Post(notifyPath)
		if err != nil {
			return resp, err
		}
		if resp.IsError() {
			return resp, &statusError{Status: resp.StatusCode(), Body: resp.String()}
		}
		return resp, nil
	})
	return err
}

// evictSession removes token from the cache unless another caller has
// already replaced it.
func (c *Client) evictSession(ctx context.Context, token string) {
	if c.tokens == nil {
		return
	}
	cached, ok, err := c.tokens.Get(ctx, sessionCacheKey)
	if err != nil || !ok || cached != token {
		return
	}
	if err := c.tokens.Delete(ctx, sessionCacheKey); err != nil {
		c.logger.Warn().Err(err).Msg("session token cache delete failed")
	}
}

// sessionToken returns the cached gateway session token, requesting a new one
// when the cache is empty or still holds rejected. Concurrent callers share
// one session request.
func (c *Client) sessionToken(ctx context.Context, rejected string) (string, error) {
	if token, ok := c.cachedSession(ctx, rejected); ok {
		return token, nil
	}
	v, err, _ := c.sessions.Do("session:"+rejected, func() (interface{}, error) {
		if token, ok := c.cachedSession(ctx, rejected); ok {
			return token, nil
		}
		return c.fetchSession(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedSession(ctx context.Context, rejected string) (string, bool) {
	if c.tokens == nil {
		return "", false
	}
	token, ok, err := c.tokens.Get(ctx, sessionCacheKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("session token cache read failed")
		return "", false
	}
	if !ok || token == rejected {
		return "", false
	}
	return token, true
}

func (c *Client) fetchSession(ctx context.Context) (string, error) {
	var session sessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sessionRequest{ClientID: c.cfg.ClientID, ClientSecret: c.cfg.ClientSecret}).
		SetResult(&session).
		Post(sessionPath)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &statusError{Status: resp.StatusCode(), Body: resp.String()}
	}
	if session.AccessToken == "" {
		return "", errors.New("gateway session response has no access token")
	}

	if c.tokens != nil {
		ttl := time.Duration(session.ExpiresIn)*time.Second - sessionExpiryMargin
		if ttl > 0 {
			if err := c.tokens.Set(ctx, sessionCacheKey, session.AccessToken, ttl); err != nil {
				c.logger.Warn().Err(err).Msg("session token cache write failed")
			}
		}
	}
	return session.AccessToken, nil
}
