// Package userclient talks to the user service, which owns identity and the
// referral graph. The engine only reads from it.
package userclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/config"
	apperrors "github.com/sbc-platform/payment-engine/internal/errors"
	"github.com/sbc-platform/payment-engine/internal/httputil"
)

// User is the subset of the user record the engine needs.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phoneNumber"`
	Country       string `json:"country"`
	MomoNumber    string `json:"momoNumber"`    // Mobile-money payout destination
	CryptoAddress string `json:"cryptoAddress"` // Crypto payout destination
	ReferrerID    string `json:"referrerId"`
	// ActiveSubscriptions lists the plan SKUs the user currently holds,
	// for sponsorship eligibility checks.
	ActiveSubscriptions []string `json:"activeSubscriptions"`
}

// HasActiveSubscription reports whether the user holds the given plan SKU.
func (u User) HasActiveSubscription(sku string) bool {
	for _, s := range u.ActiveSubscriptions {
		if s == sku {
			return true
		}
	}
	return false
}

// Directory is the read interface over the user service. Tests swap in a
// fake; production uses the HTTP client below.
type Directory interface {
	// GetUser fetches one user, including payout destinations.
	GetUser(ctx context.Context, userID string) (User, error)

	// GetReferrerChain returns the user's referrers from direct sponsor
	// outward, at most depth entries. A short or empty chain is normal.
	GetReferrerChain(ctx context.Context, userID string, depth int) ([]User, error)

	// GetDirectReferrals returns the users the sponsor directly referred,
	// with their active subscriptions.
	GetDirectReferrals(ctx context.Context, sponsorID string) ([]User, error)

	// FindUserIDs searches users by criteria (name, email, phone substring)
	// for the admin transaction listing.
	FindUserIDs(ctx context.Context, criteria map[string]string) ([]string, error)
}

// Client is the HTTP Directory implementation. Requests authenticate with
// the shared service secret.
type Client struct {
	baseURL  string
	secret   string
	client   *http.Client
	breakers *circuitbreaker.Manager
	logger   zerolog.Logger
}

// NewClient creates the user service client.
func NewClient(cfg config.ServicesConfig, secret string, breakers *circuitbreaker.Manager, logger zerolog.Logger) *Client {
	timeout := cfg.CallTimeout.Duration
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:  cfg.UserServiceURL,
		secret:   secret,
		client:   httputil.NewClient(timeout),
		breakers: breakers,
		logger:   logger.With().Str("component", "userclient").Logger(),
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    User `json:"data"`
	}
	if err := c.get(ctx, "/internal/users/"+url.PathEscape(userID), &resp); err != nil {
		return User{}, err
	}
	if !resp.Success {
		return User{}, apperrors.Newf(apperrors.CodeNotFound, "user %s not found", userID)
	}
	return resp.Data, nil
}

func (c *Client) GetReferrerChain(ctx context.Context, userID string, depth int) ([]User, error) {
	var resp struct {
		Success bool   `json:"success"`
		Data    []User `json:"data"`
	}
	path := "/internal/users/" + url.PathEscape(userID) + "/referrers?depth=" + strconv.Itoa(depth)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	chain := resp.Data
	if len(chain) > depth {
		chain = chain[:depth]
	}
	return chain, nil
}

func (c *Client) GetDirectReferrals(ctx context.Context, sponsorID string) ([]User, error) {
	var resp struct {
		Success bool   `json:"success"`
		Data    []User `json:"data"`
	}
	path := "/internal/users/" + url.PathEscape(sponsorID) + "/referrals"
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) FindUserIDs(ctx context.Context, criteria map[string]string) ([]string, error) {
	q := url.Values{}
	for k, v := range criteria {
		q.Set(k, v)
	}
	var resp struct {
		Success bool     `json:"success"`
		Data    []string `json:"data"`
	}
	if err := c.get(ctx, "/internal/users/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build user service request", err)
	}
	req.Header.Set("X-Service-Secret", c.secret)

	res, err := c.breakers.Execute(circuitbreaker.ServiceUserService, func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("user service returned %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return err
		}
		c.logger.Warn().Err(err).Str("path", path).Msg("userclient.call_failed")
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "user service unavailable", err)
	}

	if err := json.Unmarshal(res.([]byte), out); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "decode user service response", err)
	}
	return nil
}
