// Package web exposes the JSON status API for the training dispatcher, the
// live per-pair view and the recorded run history.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/freqops/trainn/app/store"
)

// Storage provides access to recorded run history
type Storage interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	LastRun(ctx context.Context, pair string) (*store.Run, error)
}

// LiveProvider reports in-flight job states
type LiveProvider interface {
	Live() []store.LiveState
}

// Server is the JSON API server
type Server struct {
	Store        Storage
	Live         LiveProvider
	Version      string
	AuthUser     string // basic auth user, empty disables auth
	PasswordHash string // bcrypt hash for basic auth
}

// apiLimiter caps request rate per client on top of the global throttle
var apiLimiter = tollbooth.NewLimiter(50, nil)

// Run starts the server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("trainn", "freqops", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for API")
		router.Use(rest.BasicAuth(s.checkCredentials))
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.Use(tollbooth.HTTPMiddleware(apiLimiter))
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /runs", s.handleRuns)
		api.HandleFunc("GET /runs/last", s.handleLastRun)
	})

	return router
}

func (s *Server) checkCredentials(user, passwd string) bool {
	if user != s.AuthUser {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(passwd)) == nil
}
