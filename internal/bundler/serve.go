package bundler

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/middleware"
)

// Middleware returns an http.Handler serving the bundler's output directory,
// suitable for mounting into a larger application's router — the
// development HTTP server proper is out of core scope; this is the minimal
// static-file surface the facade promises, wrapped in the same
// recovery/logging/security-header stack the dev server runs standalone.
func (b *Bundler) Middleware() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(b.log))

	health := middleware.NewHealthChecker("forge-bundler")
	health.RegisterCheck("errored", func() error {
		if b.Errored() {
			return forgeerrors.InternalInvariant("last build errored")
		}
		return nil
	})
	router.HandleFunc("/healthz", health.Handler())

	fileServer := http.FileServer(http.Dir(b.opts.OutDir))
	router.PathPrefix("/").Handler(fileServer)

	handler := middleware.NewRecoveryMiddleware(b.log).Handler(router)
	handler = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(handler)
	return handler
}

// Serve starts a dev HTTP server on port fronting Middleware(). https is
// accepted for interface parity with the spec's serve(port, https) surface;
// TLS termination itself is out of core scope.
func (b *Bundler) Serve(port int, https bool) error {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: addr, Handler: b.Middleware()}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return forgeerrors.IOError("serve bundler output", err)
	}
	return nil
}
