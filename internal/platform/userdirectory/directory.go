// Package userdirectory resolves patient identifiers against the user
// service.
package userdirectory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/correlation"
)

// User is the user service's view of a patient.
type User struct {
	ID          string `json:"id"`
	AlternateID string `json:"alternateId,omitempty"`
}

// CanonicalID is the id patients are stored under.
func (u User) CanonicalID() string {
	if u.AlternateID != "" {
		return u.AlternateID
	}
	return u.ID
}

// Directory looks up users by any of their identifiers.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(100*time.Millisecond).
			SetRetryMaxWaitTime(time.Second).
			SetHeader("Accept", "application/json").
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			}),
		logger: logger,
	}
}

// Lookup fetches userID. A user the service does not know is not_found; an
// unreachable service is network_service_error.
func (c *Client) Lookup(ctx context.Context, userID string) (User, error) {
	var user User
	req := c.http.R().SetContext(ctx).SetResult(&user)
	if id := correlation.ID(ctx); id != "" {
		req.SetHeader(correlation.Header, id)
	}
	resp, err := req.Get("/internal/users/" + url.PathEscape(userID))
	if err != nil {
		return User{}, apperr.NetworkServiceError(err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return User{}, apperr.NotFound("user not found")
	case resp.IsError():
		return User{}, apperr.NetworkServiceError(fmt.Errorf("user service responded %d", resp.StatusCode()))
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}

// ResolvePatientID returns the canonical patient id for userID. When the
// user has no alternate id on file, or the directory does not know the user,
// userID itself is returned. Other lookup failures are returned.
func ResolvePatientID(ctx context.Context, d Directory, userID string) (string, error) {
	user, err := d.Lookup(ctx, userID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return userID, nil
		}
		return "", err
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user.CanonicalID(), nil
}
