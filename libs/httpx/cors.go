package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy lists what browsers on AllowedOrigins may do. "*" matches any origin.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSPolicy lets the front desk dashboard call the appointment API with a bearer token.
func DefaultCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	}
}

type corsRules struct {
	anyOrigin   bool
	origins     map[string]struct{}
	credentials bool
	methods     string
	headers     string
	exposed     string
	maxAge      string
}

func compileCORS(p CORSPolicy) corsRules {
	rules := corsRules{
		origins:     make(map[string]struct{}, len(p.AllowedOrigins)),
		credentials: p.AllowCredentials,
		methods:     joinHeaderValues(p.AllowedMethods),
		headers:     joinHeaderValues(p.AllowedHeaders),
		exposed:     joinHeaderValues(p.ExposedHeaders),
	}
	for _, o := range p.AllowedOrigins {
		o = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))
		switch o {
		case "":
		case "*":
			rules.anyOrigin = true
		default:
			rules.origins[o] = struct{}{}
		}
	}
	if secs := int(p.MaxAge / time.Second); secs > 0 {
		rules.maxAge = strconv.Itoa(secs)
	}
	return rules
}

func (c corsRules) empty() bool { return !c.anyOrigin && len(c.origins) == 0 }

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or "" when it is not allowed.
// Credentialed responses never use the wildcard.
func (c corsRules) allowedOrigin(origin string) string {
	if _, ok := c.origins[strings.ToLower(origin)]; ok {
		return origin
	}
	if !c.anyOrigin {
		return ""
	}
	if c.credentials {
		return origin
	}
	return "*"
}

func (c corsRules) writePreflight(h http.Header) {
	setIfNotEmpty(h, "Access-Control-Allow-Methods", c.methods)
	setIfNotEmpty(h, "Access-Control-Allow-Headers", c.headers)
	setIfNotEmpty(h, "Access-Control-Max-Age", c.maxAge)
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
}

// WithCORS answers preflights and decorates responses for allowed origins. No origins means no CORS at all.
func WithCORS(policy CORSPolicy) Middleware {
	rules := compileCORS(policy)
	if rules.empty() {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow := ""
			if origin != "" {
				allow = rules.allowedOrigin(origin)
			}
			if allow == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Add("Vary", "Origin")
			if rules.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			setIfNotEmpty(h, "Access-Control-Expose-Headers", rules.exposed)

			isPreflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !isPreflight {
				next.ServeHTTP(w, r)
				return
			}
			rules.writePreflight(h)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func joinHeaderValues(values []string) string {
	kept := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			kept = append(kept, v)
		}
	}
	return strings.Join(kept, ", ")
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
