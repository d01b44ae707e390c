package api

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/xpool/internal/api/models"
	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/jobs"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/process"
	"github.com/smazurov/xpool/internal/version"
)

const authRealm = `Basic realm="xpool"`

// PoolController is the part of *process.Pool the API drives.
type PoolController interface {
	Snapshot() []process.Info
	Size() int
	Resize(size int) error
	ForceResize(size int) error
	RestartFailed() []int
}

// Options configures the API server.
type Options struct {
	AuthUsername   string
	AuthPassword   string
	Pool           PoolController
	Dispatcher     *jobs.Dispatcher
	EventBus       *events.Bus
	MetricsHandler http.Handler // Optional Prometheus handler mounted at /metrics
}

// Server exposes pool control, job submission and the event stream over HTTP.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	pool       PoolController
	dispatcher *jobs.Dispatcher
	eventBus   *events.Bus
	logger     *slog.Logger
}

// NewServer creates the API server. Routes that need credentials are only
// protected when both AuthUsername and AuthPassword are set.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	config := huma.DefaultConfig("xpool API", version.String())
	config.Info.Description = "Control a pool of worker processes"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	s := &Server{
		api:        humago.New(mux, config),
		mux:        mux,
		pool:       opts.Pool,
		dispatcher: opts.Dispatcher,
		eventBus:   opts.EventBus,
		logger:     logging.GetLogger("api"),
	}

	s.api.UseMiddleware(httpLoggingMiddleware(logging.GetLogger("http")))
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		s.api.UseMiddleware(s.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and every open connection, event streams included.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.httpServer.Close()
}

// basicAuthMiddleware checks the Authorization header, falling back to a
// base64 "auth" query parameter for EventSource clients that cannot set headers.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded := ctx.Query("auth")
		if header := ctx.Header("Authorization"); header != "" {
			rest, ok := strings.CutPrefix(header, "Basic ")
			if !ok {
				s.unauthorized(ctx, "Invalid authentication type")
				return
			}
			encoded = rest
		}
		if encoded == "" {
			s.unauthorized(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.unauthorized(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			s.unauthorized(ctx, "Invalid credentials format")
			return
		}
		if user != username || pass != password {
			s.unauthorized(ctx, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

func (s *Server) unauthorized(ctx huma.Context, msg string, errs ...error) {
	ctx.SetHeader("WWW-Authenticate", authRealm)
	_ = huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerPoolRoutes()
	s.registerJobRoutes()
	s.registerSSERoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
