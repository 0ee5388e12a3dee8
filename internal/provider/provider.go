// Package provider talks to the identity provider's OAuth2 endpoints: the
// token endpoint for refresh exchange and the revocation endpoint for
// logout. Every call is bounded by a timeout — a hung provider must never
// block a calling request indefinitely.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/helmchat/credbridge/internal/config"
)

// Token is the result of a successful refresh exchange.
type Token struct {
	AccessToken string

	// RefreshToken is the rotated refresh token when the provider issued a
	// new one, otherwise the token that was exchanged.
	RefreshToken string

	// ExpiresAt is zero when the provider reported no lifetime.
	ExpiresAt time.Time

	// Scope is the granted scope string, empty when not reported.
	Scope string
}

// Error classifies a failed provider call. Terminal errors mean the refresh
// token itself was permanently rejected and re-authorization is required;
// anything else (network failure, 5xx, timeout) is transient and worth
// retrying later.
type Error struct {
	Code     string
	Terminal bool
	err      error
}

// NewError constructs a classified provider error.
func NewError(code string, terminal bool, err error) *Error {
	return &Error{Code: code, Terminal: terminal, err: err}
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s provider error (%s): %v", kind, e.Code, e.err)
	}
	return fmt.Sprintf("%s provider error: %v", kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsTerminal reports whether err is a terminal provider error.
func IsTerminal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Terminal
}

// Client calls the identity provider's OAuth2 endpoints.
type Client struct {
	conf          *oauth2.Config
	httpClient    *http.Client
	revocationURL string
	timeout       time.Duration
}

func New(cfg config.ProviderConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
			},
		},
		httpClient:    &http.Client{Timeout: timeout},
		revocationURL: cfg.RevocationURL,
		timeout:       timeout,
	}
}

// ExchangeRefreshToken exchanges a refresh token for a new access token.
// Failures are returned as *Error with terminal/transient classification.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Route the exchange through the timeout-bounded client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	source := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := source.Token()
	if err != nil {
		return Token{}, classify(err)
	}

	result := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		result.Scope = scope
	}

	return result, nil
}

// Revoke asks the provider to revoke a token (RFC 7009). Best effort: the
// caller logs failures but proceeds, and a provider without a revocation
// endpoint is not an error.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if c.revocationURL == "" || token == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(c.conf.ClientID), url.QueryEscape(c.conf.ClientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling revocation endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}

	return nil
}

// classify maps a token endpoint failure onto the terminal/transient
// taxonomy. Only an invalid_grant-class rejection is terminal: the provider
// has permanently refused the refresh token. Everything else — 5xx responses,
// malformed bodies, network errors, timeouts — is transient.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &Error{
			Code:     re.ErrorCode,
			Terminal: re.ErrorCode == "invalid_grant",
			err:      err,
		}
	}

	return &Error{Terminal: false, err: err}
}
