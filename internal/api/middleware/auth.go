// Package middleware holds the control-plane HTTP middleware: authentication,
// access logging and claim rate limiting.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/fawad-mazhar/evalq/internal/config"
	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"go.uber.org/zap"
)

// WorkerIDHeader names the worker a per-worker token belongs to
const WorkerIDHeader = "X-Worker-Id"

type PrincipalKind string

const (
	PrincipalAdmin  PrincipalKind = "admin"
	PrincipalWorker PrincipalKind = "worker"
)

// Principal is the authenticated caller of a request
type Principal struct {
	Kind     PrincipalKind
	WorkerID string
}

func (p Principal) IsAdmin() bool {
	return p.Kind == PrincipalAdmin
}

// Key identifies the principal for rate limiting and logs
func (p Principal) Key() string {
	if p.Kind == PrincipalWorker {
		return "worker:" + p.WorkerID
	}
	return string(p.Kind)
}

type principalKey struct{}

type principalSlotKey struct{}

// principalSlot carries the principal back up to middleware that runs
// before Auth, which only sees the outer request context.
type principalSlot struct {
	mu  sync.Mutex
	p   Principal
	set bool
}

func withPrincipalSlot(ctx context.Context) (context.Context, *principalSlot) {
	slot := &principalSlot{}
	return context.WithValue(ctx, principalSlotKey{}, slot), slot
}

func (s *principalSlot) get() (Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, s.set
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if slot, ok := ctx.Value(principalSlotKey{}).(*principalSlot); ok {
		slot.mu.Lock()
		slot.p, slot.set = p, true
		slot.mu.Unlock()
	}
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Verifier checks a per-worker token
type Verifier interface {
	Verify(ctx context.Context, workerID, token string) (bool, error)
}

// Auth authenticates requests against the admin secret and worker tokens.
// Every failure produces the same 401 body.
type Auth struct {
	adminToken string
	disabled   bool
	verifier   Verifier
	log        *zap.SugaredLogger
}

func NewAuth(cfg config.AuthConfig, verifier Verifier) *Auth {
	return &Auth{
		adminToken: cfg.AdminToken,
		disabled:   cfg.Disabled,
		verifier:   verifier,
		log:        logger.Named("auth"),
	}
}

// RequireAdmin admits only the admin secret
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.require(next, false)
}

// RequireWorkerOrAdmin admits the admin secret or a valid worker token
func (a *Auth) RequireWorkerOrAdmin(next http.Handler) http.Handler {
	return a.require(next, true)
}

func (a *Auth) require(next http.Handler, allowWorker bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r, allowWorker)
		if err != nil {
			if errors.IsStoreUnavailable(err) {
				a.log.Errorw("Credential store unavailable", "error", err)
				writeError(w, http.StatusServiceUnavailable, "credential store unavailable")
				return
			}
			a.log.Debugw("Rejected request", "path", r.URL.Path, "reason", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Auth) authenticate(r *http.Request, allowWorker bool) (Principal, error) {
	if a.disabled {
		return Principal{Kind: PrincipalAdmin}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return Principal{}, errors.Mark(errors.New("missing bearer token"), errors.ErrUnauthorized)
	}
	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		return Principal{Kind: PrincipalAdmin}, nil
	}

	workerID := strings.TrimSpace(r.Header.Get(WorkerIDHeader))
	if !allowWorker || workerID == "" || a.verifier == nil {
		return Principal{}, errors.Mark(errors.New("not an admin token"), errors.ErrUnauthorized)
	}
	ok, err := a.verifier.Verify(r.Context(), workerID, token)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, errors.Mark(errors.Newf("invalid token for worker %s", workerID), errors.ErrUnauthorized)
	}
	return Principal{Kind: PrincipalWorker, WorkerID: workerID}, nil
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("Bearer ") && strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
