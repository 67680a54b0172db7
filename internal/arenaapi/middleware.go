package arenaapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawgic/arena/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	adminRole    = "admin"
	jwtLeeway    = 30 * time.Second
	bearerPrefix = "bearer "
)

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientRateLimiter keeps one token bucket per client and forgets the least recently
// seen client once maxClients are tracked.
type clientRateLimiter struct {
	mu sync.Mutex

	limit      rate.Limit
	burst      int
	maxClients int
	clients    map[string]*clientState
}

func newClientRateLimiter(perSecond float64, burst, maxClients int) *clientRateLimiter {
	return &clientRateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxClients: maxClients,
		clients:    make(map[string]*clientState),
	}
}

func (l *clientRateLimiter) Allow(client string, now time.Time) bool {
	if l == nil {
		return true
	}
	if client == "" {
		client = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictOne()
		}
		st = &clientState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = st
	}
	st.lastSeen = now
	return st.limiter.AllowN(now, 1)
}

func (l *clientRateLimiter) evictOne() {
	var oldest string
	var oldestAt time.Time
	first := true
	for k, st := range l.clients {
		if first || st.lastSeen.Before(oldestAt) {
			oldest = k
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldest != "" {
		delete(l.clients, oldest)
	}
}

func (h *handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := h.cfg.Now().UTC()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r, h.cfg.TrustProxyHeaders), now) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP identifies the caller. Forwarding headers are honoured only behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

// requireAdmin accepts an HS256 bearer token carrying role=admin. It is a no-op when no
// secret is configured.
func (h *handler) requireAdmin(next http.Handler) http.Handler {
	if len(h.adminSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(raw) <= len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		role, err := h.adminRole(strings.TrimSpace(raw[len(bearerPrefix):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		if role != adminRole {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) adminRole(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.adminSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(h.cfg.Now),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token invalid")
	}
	role, _ := claims["role"].(string)
	return role, nil
}

// instrument counts requests by route pattern so path parameters do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Arena().RecordHTTPRequest(route, status)
	})
}
