package couponhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/couponforge-web/internal/attempt"
	"github.com/keithlinneman/couponforge-web/internal/httpmw"
	"github.com/keithlinneman/couponforge-web/internal/log"
)

// PromoRegistry resolves whether a submission token is valid for a
// tenant's active promotion. ErrUnknownTenant-style lookups are
// reported via the bool pair, errors are infrastructure failures.
type PromoRegistry interface {
	// ValidateToken returns (tenantExists, tokenValid, err).
	ValidateToken(ctx context.Context, tenant, token string) (bool, bool, error)
}

// StaticPromos is an in-memory PromoRegistry mapping tenant to its
// current promotion token.
type StaticPromos struct {
	tokens map[string]string
}

func NewStaticPromos(tokens map[string]string) *StaticPromos {
	m := make(map[string]string, len(tokens))
	for tenant, token := range tokens {
		m[tenant] = token
	}
	return &StaticPromos{tokens: m}
}

func (p *StaticPromos) ValidateToken(ctx context.Context, tenant, token string) (bool, bool, error) {
	want, ok := p.tokens[tenant]
	if !ok {
		return false, false, nil
	}
	return true, want == token, nil
}

// SubmitHandler serves POST /t/{tenant}/submit. Invalid submissions
// count against the per-IP failure limiter; a valid one resets it and
// issues a coupon code.
type SubmitHandler struct {
	Promos  PromoRegistry
	Limiter *attempt.Limiter

	// OnRateLimited fires with the limiter name when a check denies.
	OnRateLimited func(limiter string)

	// OnIssued fires with the tenant after each issued coupon.
	OnIssued func(tenant string)
}

type submitRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type submitResponse struct {
	Code     string    `json:"code"`
	Tenant   string    `json:"tenant"`
	IssuedAt time.Time `json:"issued_at"`
}

func (h *SubmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	tenant := chi.URLParam(r, "tenant")
	ip := httpmw.ClientIPFromContext(ctx)

	if res := h.Limiter.Check(ip); !res.OK {
		if h.OnRateLimited != nil {
			h.OnRateLimited(LimiterSubmit)
		}
		setRetryAfter(w, res.RetryAfter)
		writeError(w, http.StatusTooManyRequests, "too many invalid submissions, try again later")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	tenantOK, tokenOK, err := h.Promos.ValidateToken(ctx, tenant, req.Token)
	if err != nil {
		L.Error(ctx, err, "promo lookup failed", "tenant", tenant)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !tenantOK {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	if !tokenOK {
		h.Limiter.RecordFailure(ip)
		writeError(w, http.StatusUnprocessableEntity, "invalid promotion token")
		return
	}

	h.Limiter.RecordSuccess(ip)

	code := NewCouponCode()
	if h.OnIssued != nil {
		h.OnIssued(tenant)
	}

	L.Info(ctx, "coupon issued", "tenant", tenant)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(submitResponse{
		Code:     code,
		Tenant:   tenant,
		IssuedAt: time.Now().UTC(),
	})
}

// NewCouponCode derives a short display code from a fresh UUID. Codes
// are identifiers, not secrets; redemption is validated server side.
func NewCouponCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "CF-" + strings.ToUpper(raw[:12])
}
