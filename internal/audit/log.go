// Package audit records security-relevant events: credential refreshes,
// revocations, and the requests that trigger them. Audit entries are
// distinct from ordinary logging — they are written at a dedicated level so
// downstream log routing can ship them to a separate sink — and they are
// fire-and-forget: recording an event never blocks or fails the caller.
package audit

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level used for audit entries. It sits above every
// standard level so audit events survive any level filtering.
const Level = zerolog.Level(16)

// EventKind names the class of audited event.
type EventKind string

const (
	KindRefresh EventKind = "credential_refresh"
	KindStore   EventKind = "credential_store"
	KindRevoke  EventKind = "credential_revoke"
	KindDelete  EventKind = "credential_delete"
	KindRequest EventKind = "request"
)

// RefreshOutcome classifies the result of a refresh attempt.
type RefreshOutcome string

const (
	RefreshSuccess          RefreshOutcome = "success"
	RefreshNoRefreshToken   RefreshOutcome = "no_refresh_token"
	RefreshTerminalFailure  RefreshOutcome = "terminal_failure"
	RefreshTransientFailure RefreshOutcome = "transient_failure"
)

// Entry accumulates audit detail over the life of a request. The middleware
// installs one in the request context and writes it when the request ends,
// whether it succeeds, fails or panics.
type Entry struct {
	Method    string
	Path      string
	UserAgent string
	SourceIP  string

	Identity string
	Status   int
	Error    string

	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int64
}

type entryContextKey struct{}

// Context returns a context with an audit entry installed, creating one when
// none is present. Callers holding the returned entry observe everything the
// request records into it.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, entryContextKey{}, entry), entry
}

// Log returns the audit entry for the current request. When called outside
// the middleware (background goroutines, tests) it returns a detached entry
// that will not be written, so callers never need to nil-check.
func Log(ctx context.Context) *Entry {
	if entry, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return entry
	}

	log.Ctx(ctx).Debug().Msg("audit entry requested outside middleware; returning detached entry")
	return &Entry{}
}

// Middleware captures request metadata into a context audit entry and writes
// the entry when the handler completes. The write also happens on panic,
// before the panic is re-raised.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Method = r.Method
			entry.Path = r.URL.Path
			entry.UserAgent = r.UserAgent()
			entry.SourceIP = r.RemoteAddr

			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				if recovered := recover(); recovered != nil {
					entry.Error = "panic during request handling"
					entry.Status = http.StatusInternalServerError
					entry.write(ctx)
					panic(recovered)
				}

				entry.Status = sw.status
				entry.write(ctx)
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

func (e *Entry) write(ctx context.Context) {
	ev := log.Ctx(ctx).WithLevel(Level).
		Str("kind", string(KindRequest)).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status)

	if e.UserAgent != "" {
		ev = ev.Str("userAgent", e.UserAgent)
	}
	if e.SourceIP != "" {
		ev = ev.Str("sourceIp", e.SourceIP)
	}
	if e.Identity != "" {
		ev = ev.Str("identity", e.Identity)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}

	ev = ev.Bool("authorized", e.Authorized)
	if e.Authorized {
		ev = ev.
			Str("authSubject", e.AuthSubject).
			Str("authIssuer", e.AuthIssuer).
			Strs("authAudience", e.AuthAudience).
			Int64("authExpirySecs", e.AuthExpirySecs)
	}

	ev.Msg("audit")
}

// RecordRefresh emits an audit record for a refresh attempt. Every attempt
// is recorded, successful or not, with its failure class.
func RecordRefresh(ctx context.Context, identity string, outcome RefreshOutcome, detail string) {
	ev := log.Ctx(ctx).WithLevel(Level).
		Str("kind", string(KindRefresh)).
		Str("identity", identity).
		Str("outcome", string(outcome)).
		Bool("success", outcome == RefreshSuccess)

	if detail != "" {
		ev = ev.Str("detail", detail)
	}

	ev.Msg("audit")
}

// RecordEvent emits a standalone audit record for revocations and deletions.
func RecordEvent(ctx context.Context, kind EventKind, identity string, success bool, detail string) {
	ev := log.Ctx(ctx).WithLevel(Level).
		Str("kind", string(kind)).
		Str("identity", identity).
		Bool("success", success)

	if detail != "" {
		ev = ev.Str("detail", detail)
	}

	ev.Msg("audit")
}

// statusWriter records the response status code for the audit entry.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
