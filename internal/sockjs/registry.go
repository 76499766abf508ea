package sockjs

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
)

// Registry maps URL prefixes to installed apps. Lookups take a read lock;
// installs are exclusive and either install every app of a batch or none.
type Registry struct {
	mu   sync.RWMutex
	apps []*App
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Install adds app. It fails with ErrConfiguration when the prefix overlaps
// an installed app or bridge; the registry is left unchanged then.
func (r *Registry) Install(app *App) error {
	return r.InstallAll([]*App{app})
}

// InstallAll installs apps atomically.
func (r *Registry) InstallAll(apps []*App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, app := range apps {
		for _, installed := range r.apps {
			if prefixesOverlap(app.Prefix(), installed.Prefix()) {
				return fmt.Errorf("%w: prefix %q overlaps installed %s %q",
					ErrConfiguration, app.Prefix(), installed.Kind(), installed.Prefix())
			}
		}
		for _, other := range apps[:i] {
			if prefixesOverlap(app.Prefix(), other.Prefix()) {
				return fmt.Errorf("%w: prefix %q overlaps %q in the same batch",
					ErrConfiguration, app.Prefix(), other.Prefix())
			}
		}
	}
	r.apps = append(r.apps, apps...)
	for _, app := range apps {
		logrus.WithField("prefix", "Registry.InstallAll").Infof("installed %s at %s", app.Kind(), app.Prefix())
	}
	return nil
}

// Resolve returns the app with the longest prefix matching path and the
// remainder of the path after that prefix. On equal length the earliest
// installed app wins.
func (r *Registry) Resolve(path string) (*App, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *App
	for _, app := range r.apps {
		if !matchPrefix(app.Prefix(), path) {
			continue
		}
		if best == nil || len(app.Prefix()) > len(best.Prefix()) {
			best = app
		}
	}
	if best == nil {
		return nil, "", false
	}
	if best.Prefix() == "/" {
		return best, path, true
	}
	return best, strings.TrimPrefix(path, best.Prefix()), true
}

// Apps returns the installed apps in install order.
func (r *Registry) Apps() []*App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*App, len(r.apps))
	copy(out, r.apps)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}

// Clear removes every app and returns the removed ones.
func (r *Registry) Clear() []*App {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.apps
	r.apps = nil
	return removed
}

// Serve routes an echo request to the matching app. Unmatched paths get
// 404 and no socket is created.
func (r *Registry) Serve(c echo.Context) error {
	app, rest, ok := r.Resolve(c.Request().URL.Path)
	if !ok {
		notFoundMetric.Inc()
		return c.JSON(utils.HttpResError("not found", http.StatusNotFound))
	}
	return app.Serve(c, rest)
}

func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// prefixesOverlap is true when one prefix equals the other or contains it
// on a path segment boundary, e.g. /app and /app/chat.
func prefixesOverlap(a, b string) bool {
	return matchPrefix(a, b) || matchPrefix(b, a)
}
