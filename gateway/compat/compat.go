package compat

import (
	"log/slog"
	"net/http"
	"sync"
)

// Handler serves the deprecated unversioned paths by rewriting them onto the
// versioned router. Every response carries Deprecation and Sunset headers so
// operators can find the clients that still need migrating.
type Handler struct {
	next   http.Handler
	notice Notice

	warnOnce sync.Once
}

func NewHandler(next http.Handler) *Handler {
	return &Handler{next: next, notice: DefaultNotice()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := Rewrite(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.warnOnce.Do(func() {
		slog.Warn("compat: deprecated unversioned path in use",
			"path", r.URL.Path,
			"phase", h.notice.Phase,
		)
	})
	w.Header().Set("Deprecation", "true")
	if !h.notice.Sunset.IsZero() {
		w.Header().Set("Sunset", h.notice.Sunset.Format(http.TimeFormat))
	}
	if h.notice.Link != "" {
		w.Header().Set("Link", `<`+h.notice.Link+`>; rel="deprecation"`)
	}
	w.Header().Set("X-Deprecation-Notice", h.notice.Warning)

	rewritten := r.Clone(r.Context())
	rewritten.URL.Path = target
	rewritten.URL.RawPath = ""
	h.next.ServeHTTP(w, rewritten)
}
