// Package authz verifies the JWT presented by the calling backend service.
// Verified claims are recorded on the request's audit entry; the credential
// routes refuse requests without a valid token unless authorization is
// explicitly disabled.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v3"
	"github.com/auth0/go-jwt-middleware/v3/jwks"
	"github.com/auth0/go-jwt-middleware/v3/validator"
	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"

	"github.com/helmchat/credbridge/internal/audit"
	"github.com/helmchat/credbridge/internal/config"
)

// Middleware returns HTTP middleware that verifies the request's JWT and
// enforces issuer, audience and expiry. The validated claims are available
// via ClaimsFromContext and are recorded on the audit entry.
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	if cfg.Disabled {
		log.Warn().Msg("JWT authorization is disabled; credential routes are unauthenticated")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	// allow for static configuration when testing
	jwksConfig := remoteJWKS
	if cfg.ConfigurationStatic != "" {
		jwksConfig = staticJWKS
	}

	issuer, keyFunc, err := jwksConfig(cfg)
	if err != nil {
		return nil, err
	}

	jwtValidator, err := validator.New(
		validator.WithKeyFunc(keyFunc),
		validator.WithAlgorithm(validator.RS256),
		validator.WithIssuer(issuer.String()),
		validator.WithAudience(cfg.Audience),
		validator.WithAllowedClockSkew(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	// Validation failures are marked on the audit entry by the error handler;
	// successful validations are recorded by the claims middleware.
	options = append(options,
		jwtmiddleware.WithErrorHandler(auditErrorHandler()),
		jwtmiddleware.WithValidator(jwtValidator),
	)

	middleware, err := jwtmiddleware.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT middleware: %w", err)
	}

	return alice.New(middleware.CheckJWT, auditClaimsMiddleware()).Then, nil
}

type claimsContextKey struct{}

// ContextWithClaims returns a context carrying validated claims. This is
// primarily for test usage.
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the validated claims set by the middleware, or
// nil when the request was not authorized.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, err := jwtmiddleware.GetClaims[*validator.ValidatedClaims](ctx)
	if err == nil {
		return claims
	}

	// Test fallback: local claim injection.
	claims, _ = ctx.Value(claimsContextKey{}).(*validator.ValidatedClaims)
	return claims
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			claims := ClaimsFromContext(r.Context())

			if claims == nil {
				entry.Error = "JWT claims missing from context"
			} else {
				reg := claims.RegisteredClaims
				entry.Authorized = true
				entry.AuthSubject = reg.Subject
				entry.AuthIssuer = reg.Issuer
				entry.AuthAudience = reg.Audience
				entry.AuthExpirySecs = reg.Expiry
			}

			next.ServeHTTP(w, r)
		})
	}
}

func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		entry := audit.Log(r.Context())
		entry.Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		// The default handler writes the response status; the audit
		// middleware records it.
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

type keyFunc = func(ctx context.Context) (any, error)

func remoteJWKS(cfg config.AuthorizationConfig) (url.URL, keyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	provider, err := jwks.NewCachingProvider(
		jwks.WithIssuerURL(issuerURL),
		jwks.WithCacheTTL(5*time.Minute),
	)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to create JWKS provider: %w", err)
	}

	return *issuerURL, provider.KeyFunc, nil
}

func staticJWKS(cfg config.AuthorizationConfig) (url.URL, keyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	keys, err := jwk.Parse([]byte(cfg.ConfigurationStatic))
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("could not decode jwks: %w", err)
	}

	return *issuerURL, func(_ context.Context) (any, error) { return keys, nil }, nil
}
