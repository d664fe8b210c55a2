package couponhttp

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/couponforge-web/internal/attempt"
	"github.com/keithlinneman/couponforge-web/internal/httpmw"
	"github.com/keithlinneman/couponforge-web/internal/log"
)

// Limiter names used in hook callbacks and metric labels.
const (
	LimiterLoginIP    = "login_ip"
	LimiterLoginEmail = "login_email"
	LimiterSubmit     = "submit"
)

// LoginHandler serves POST /login.
//
// Both limiters are consulted before credentials are checked, and both
// are updated with the outcome. A denial from either one short-circuits
// the credential check entirely.
type LoginHandler struct {
	Checker      CredentialChecker
	IPLimiter    *attempt.Limiter
	EmailLimiter *attempt.Limiter

	// OnOutcome fires per attempt with "success", "failure", or "locked".
	OnOutcome func(result string)

	// OnRateLimited fires with the limiter name when a check denies.
	OnRateLimited func(limiter string)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	ip := httpmw.ClientIPFromContext(ctx)

	if res := h.IPLimiter.Check(ip); !res.OK {
		h.denied(w, LimiterLoginIP, res.RetryAfter)
		return
	}
	if res := h.EmailLimiter.Check(email); !res.OK {
		h.denied(w, LimiterLoginEmail, res.RetryAfter)
		return
	}

	ok, err := h.Checker.Check(ctx, email, req.Password)
	if err != nil {
		L.Error(ctx, err, "credential check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !ok {
		h.IPLimiter.RecordFailure(ip)
		h.EmailLimiter.RecordFailure(email)
		h.outcome("failure")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.IPLimiter.RecordSuccess(ip)
	h.EmailLimiter.RecordSuccess(email)
	h.outcome("success")
	w.WriteHeader(http.StatusNoContent)
}

func (h *LoginHandler) denied(w http.ResponseWriter, limiter string, retryAfter time.Duration) {
	if h.OnRateLimited != nil {
		h.OnRateLimited(limiter)
	}
	h.outcome("locked")
	setRetryAfter(w, retryAfter)
	writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
}

func (h *LoginHandler) outcome(result string) {
	if h.OnOutcome != nil {
		h.OnOutcome(result)
	}
}

// setRetryAfter writes the hint rounded up to whole seconds, minimum 1.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
