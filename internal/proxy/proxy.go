// Package proxy forwards HTTP and WebSocket traffic to services running
// inside workspace containers.
//
// Two routes are served, each with exactly one way of finding its upstream:
//
//	/workspaces/{id}/ide/*  the workspace's recorded IDE host port
//	/jupyter/{id}/*         the container's network address on the notebook port
//
// The route prefix is stripped before forwarding. Resolved upstreams are
// cached per identifier until the workspace changes or the upstream fails.
package proxy

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/store"
)

// Forwarder proxies requests for one route.
type Forwarder struct {
	name      string
	resolver  Resolver
	cache     *Cache
	log       *logger.Logger
	errorLog  *log.Logger
	transport http.RoundTripper
}

// NewForwarder creates a forwarder that resolves upstreams with resolver.
func NewForwarder(name string, resolver Resolver, l *logger.Logger) *Forwarder {
	l = l.Named(name)
	return &Forwarder{
		name:     name,
		resolver: resolver,
		cache:    NewCache(),
		log:      l,
		errorLog: l.StdLog(),
	}
}

// Cache returns the forwarder's target cache.
func (f *Forwarder) Cache() *Cache {
	return f.cache
}

func (f *Forwarder) resolve(ctx context.Context, identifier string) (*Target, error) {
	if t, ok := f.cache.Get(identifier); ok {
		return t, nil
	}
	gen := f.cache.Generation()
	t, err := f.resolver.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return f.cache.Put(identifier, t, gen), nil
}

// ServeHTTP forwards the request. It expects chi URL params "id" (the
// identifier) and "*" (the path after the route prefix).
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "id")
	rest, rawRest, err := forwardedPath(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid path", map[string]string{
			"identifier": identifier,
			"message":    err.Error(),
		})
		return
	}
	prefix := strings.TrimSuffix(r.URL.EscapedPath(), strings.TrimPrefix(rawRest, "/"))

	target, err := f.resolve(r.Context(), identifier)
	if err != nil {
		f.log.Warn("failed to resolve target", "identifier", identifier, "error", err)
		writeJSONError(w, http.StatusBadGateway, "Failed to resolve target", map[string]string{
			"identifier": identifier,
			"message":    err.Error(),
		})
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target.URL)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = rawRest
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", strings.TrimSuffix(prefix, "/"))
		},
		Transport: f.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// The upstream may have moved; resolve again next time.
			f.cache.Invalidate(identifier)
			f.log.Warn("error proxying request", "identifier", identifier, "target", target.URL.Host, "error", err)
			writeJSONError(w, http.StatusBadGateway, "Upstream unavailable", map[string]string{
				"identifier": identifier,
				"message":    err.Error(),
			})
		},
		ErrorLog: f.errorLog,
		// Streaming support - don't buffer responses
		FlushInterval: -1,
	}

	proxy.ServeHTTP(w, r)
}

// forwardedPath returns the path after the route prefix in decoded and
// escaped form. chi matches on RawPath when the request has one, so the
// wildcard is escaped exactly when RawPath is set.
func forwardedPath(r *http.Request) (string, string, error) {
	wildcard := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if r.URL.RawPath == "" {
		return wildcard, (&url.URL{Path: wildcard}).EscapedPath(), nil
	}
	decoded, err := url.PathUnescape(wildcard)
	if err != nil {
		return "", "", err
	}
	return decoded, wildcard, nil
}

// Router owns the IDE and notebook forwarders.
type Router struct {
	ide      *Forwarder
	notebook *Forwarder
}

// NewRouter creates the proxy router. IDE traffic goes to the recorded host
// port on cfg.ProxyBackendHost; notebook traffic goes to the container
// address on cfg.NotebookPort.
func NewRouter(s *store.Store, rt container.Runtime, cfg *config.Config, l *logger.Logger) *Router {
	l = l.Named("proxy")
	return &Router{
		ide:      NewForwarder("ide", NewWorkspaceResolver(s, cfg.ProxyBackendHost), l),
		notebook: NewForwarder("jupyter", NewContainerResolver(rt, cfg.NotebookPort), l),
	}
}

// Routes registers the proxy routes on r.
func (rt *Router) Routes(r chi.Router) {
	r.Handle("/workspaces/{id}/ide", rt.ide)
	r.Handle("/workspaces/{id}/ide/*", rt.ide)
	r.Handle("/jupyter/{id}", rt.notebook)
	r.Handle("/jupyter/{id}/*", rt.notebook)
}

// InvalidateWorkspace drops cached targets for ws from both routes.
func (rt *Router) InvalidateWorkspace(ws *model.Workspace) {
	rt.ide.cache.InvalidateWorkspace(ws)
	rt.notebook.cache.InvalidateWorkspace(ws)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, errorType string, fields map[string]string) {
	body := map[string]string{"error": errorType}
	for k, v := range fields {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
