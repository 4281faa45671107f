package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/autosalon/purchase-system/shared/auth"
	"github.com/autosalon/purchase-system/shared/logger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var proxiedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_proxied_requests_total",
	Help: "Requests forwarded to backend services",
}, []string{"service"})

// Route binds a path prefix to a backend service. Roles lists who may pass;
// empty means any authenticated caller. Public routes skip authentication
// entirely (the auth middleware allowlist must agree).
type Route struct {
	Prefix  string
	Service string
	Target  *url.URL
	Roles   []auth.Role
	Public  bool
}

// Gateway routes external requests to backend services. It is stateless:
// every request carries its own identity, verified upstream by the auth
// middleware.
type Gateway struct {
	routes []Route
	status *StatusChecker
}

// NewGateway builds a gateway over the given route table.
func NewGateway(routes []Route, status *StatusChecker) *Gateway {
	return &Gateway{routes: routes, status: status}
}

// BuildRoutes constructs the static route table from backend base URLs.
func BuildRoutes(authURL, orchestratorURL, paymentURL, financingURL, insuranceURL string) ([]Route, error) {
	specs := []struct {
		prefix  string
		service string
		raw     string
		roles   []auth.Role
		public  bool
	}{
		{"/auth", "auth", authURL, nil, true},
		{"/sagas", "orchestrator", orchestratorURL, nil, false},
		{"/poison", "orchestrator", orchestratorURL, []auth.Role{auth.RoleManager, auth.RoleAdmin}, false},
		{"/payments", "payment", paymentURL, []auth.Role{auth.RoleManager, auth.RoleAdmin}, false},
		{"/financing", "financing", financingURL, []auth.Role{auth.RoleManager, auth.RoleAdmin}, false},
		{"/insurance", "insurance", insuranceURL, []auth.Role{auth.RoleManager, auth.RoleAdmin}, false},
	}

	routes := make([]Route, 0, len(specs))
	for _, s := range specs {
		target, err := url.Parse(s.raw)
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{
			Prefix:  s.prefix,
			Service: s.service,
			Target:  target,
			Roles:   s.roles,
			Public:  s.public,
		})
	}
	return routes, nil
}

// RegisterRoutes mounts the proxy and operational endpoints.
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/health", g.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", g.Status)

	for _, route := range g.routes {
		proxy := g.proxyFor(route)
		r.Handle(route.Prefix, proxy)
		r.Handle(route.Prefix+"/*", proxy)
	}
}

func (g *Gateway) proxyFor(route Route) http.Handler {
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = route.Target.Scheme
			req.URL.Host = route.Target.Host
			req.Host = route.Target.Host
			// Identity travels as headers; the token stays at the edge.
			req.Header.Del("Authorization")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.L().Error("backend unreachable",
				zap.String("service", route.Service),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(w, http.StatusBadGateway, "service unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !route.Public {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing caller identity")
				return
			}
			if !roleAllowed(route.Roles, claims.Role) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			r.Header.Set(HeaderUserID, claims.Subject)
			r.Header.Set(HeaderUserRole, string(claims.Role))
		}

		proxiedRequestsTotal.WithLabelValues(route.Service).Inc()
		rp.ServeHTTP(w, r)
	})
}

func roleAllowed(allowed []auth.Role, role auth.Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Health reports gateway liveness.
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Status reports aggregated backend health.
func (g *Gateway) Status(w http.ResponseWriter, r *http.Request) {
	report := g.status.Check(r.Context())

	code := http.StatusOK
	if report.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
