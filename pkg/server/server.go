package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/sunsynk/pkg/controller"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/storage"
	"github.com/raterudder/sunsynk/pkg/types"
)

type contextKey string

const (
	emailContextKey contextKey = "email"
)

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Inverters is the set of polled inverters the API exposes.
type Inverters interface {
	Controllers() []*controller.Controller
	Get(serial string) (*controller.Controller, error)
	Inverter(serial string) (types.Inverter, bool)
}

// Account reports whether the SunSynk session still works.
type Account interface {
	Usable() (bool, error)
}

// Server serves the inverter API, health and metrics.
type Server struct {
	inverters Inverters
	account   Account
	storage   *storage.Config
	gatherer  prometheus.Gatherer

	listenAddr string
	httpServer *http.Server

	adminEmails   []string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	serverName    string
}

// Configured initializes the Server with dependencies. The storage provider is
// only known once flags are parsed so it is looked up on every request.
// It uses lflag to register command-line flags for configuration.
func Configured(inverters Inverters, account Account, s *storage.Config, gatherer prometheus.Gatherer) *Server {
	srv := &Server{
		inverters:  inverters,
		account:    account,
		storage:    s,
		gatherer:   gatherer,
		serverName: "sunsynk",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to send commands")
	oidcAudience := lflag.String("oidc-audience", "", "audience of the Google ID tokens to accept; empty disables authentication")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = map[string]tokenVerifier{
				"google": provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify,
			}
			if len(srv.adminEmails) == 0 {
				log.Ctx(context.Background()).Warn("no admin-emails configured, commands over the api are disabled")
			}
		} else {
			log.Ctx(context.Background()).Warn("no oidc-audience configured, api is unauthenticated")
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/inverters", s.handleListInverters)
	apiMux.HandleFunc("GET /api/inverters/{sn}", s.handleGetInverter)
	apiMux.HandleFunc("GET /api/inverters/{sn}/history", s.handleHistory)
	apiMux.HandleFunc("POST /api/inverters/{sn}/command", s.handleCommand)
	apiMux.HandleFunc("POST /api/inverters/{sn}/refresh", s.handleRefresh)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.headersMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
}

// handleHealthz fails when the account needs new credentials since no
// inverter can be polled until then.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.account != nil {
		if ok, reason := s.account.Usable(); !ok {
			writeJSONError(w, reason.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// responseHeaders are set on every response. The API only serves JSON so
// nothing may be framed or sniffed.
var responseHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
}

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range responseHeaders {
			h.Set(k, v)
		}
		if s.serverName != "" {
			h.Set("Server", s.serverName)
		}
		next.ServeHTTP(w, r)
	})
}

// database returns the configured storage provider, or nil when history is
// disabled.
func (s *Server) database() storage.Database {
	if s.storage == nil {
		return nil
	}
	return s.storage.Database
}

// isAdmin returns true if the email may send commands. Nobody may when no
// admins are configured.
func (s *Server) isAdmin(email string) bool {
	if s.bypassAuth {
		return true
	}
	if email == "" {
		return false
	}
	for _, adminEmail := range s.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}
