package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helmchat/credbridge/internal/audit"
	"github.com/helmchat/credbridge/internal/credential"
	"github.com/helmchat/credbridge/internal/manager"
)

// tokenResponse is the body returned when a valid access token is available.
type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// credentialRequest is the body accepted when storing a credential after an
// authorization flow completes.
type credentialRequest struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	Scope        string            `json:"scope,omitempty"`
	ProviderData map[string]string `json:"providerData,omitempty"`
}

// requestIdentity extracts the identity path parameter and records it on the
// audit entry. An empty identity is a routing bug, not a client error, but it
// is rejected anyway.
func requestIdentity(r *http.Request) (string, bool) {
	identity := r.PathValue("identity")
	if identity == "" {
		return "", false
	}

	audit.Log(r.Context()).Identity = identity
	return identity, true
}

func handleGetToken(mgr *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		identity, ok := requestIdentity(r)
		if !ok {
			requestError(w, http.StatusBadRequest)
			return
		}

		var (
			token string
			err   error
		)

		if capability := r.URL.Query().Get("capability"); capability != "" {
			token, err = mgr.GetValidTokenForScope(r.Context(), identity, capability)
		} else {
			token, err = mgr.GetValidToken(r.Context(), identity)
		}

		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("token retrieval failed")
			writeJSONError(w, http.StatusServiceUnavailable, "credential storage unavailable")
			return
		}

		if token == "" {
			writeJSONError(w, http.StatusNotFound, "no valid credential available")
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token})
	})
}

func handleGetStatus(mgr *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		identity, ok := requestIdentity(r)
		if !ok {
			requestError(w, http.StatusBadRequest)
			return
		}

		status, err := mgr.GetStatus(r.Context(), identity)
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("status retrieval failed")
			writeJSONError(w, http.StatusServiceUnavailable, "credential storage unavailable")
			return
		}

		writeJSON(w, http.StatusOK, status)
	})
}

func handlePutCredential(mgr *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		identity, ok := requestIdentity(r)
		if !ok {
			requestError(w, http.StatusBadRequest)
			return
		}

		var req credentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Info().Err(err).Msg("credential request body could not be parsed")
			writeJSONError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}

		if req.AccessToken == "" {
			writeJSONError(w, http.StatusBadRequest, "accessToken is required")
			return
		}

		rec := credential.Record{
			Identity:     identity,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
			Scope:        req.Scope,
			ProviderData: req.ProviderData,
		}

		if err := mgr.StoreCredential(r.Context(), rec); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("credential store failed")
			writeJSONError(w, http.StatusServiceUnavailable, "credential could not be stored")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleInvalidate(mgr *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		identity, ok := requestIdentity(r)
		if !ok {
			requestError(w, http.StatusBadRequest)
			return
		}

		mgr.InvalidateCache(r.Context(), identity)

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleDeleteCredential(mgr *manager.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		identity, ok := requestIdentity(r)
		if !ok {
			requestError(w, http.StatusBadRequest)
			return
		}

		existed, err := mgr.DeleteCredential(r.Context(), identity)
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("credential deletion failed")
			writeJSONError(w, http.StatusServiceUnavailable, "credential could not be deleted")
			return
		}

		if !existed {
			writeJSONError(w, http.StatusNotFound, "no credential for identity")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
