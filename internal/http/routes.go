package httpx

import (
	"log/slog"
	"net/http"

	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/core"
	domainauth "github.com/gridline/imagevault/internal/domain/auth"
	"github.com/gridline/imagevault/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs        *service.JobService
	ImageJobs   *service.ImageJobService
	Attachments *service.AttachmentService
	Auth        AuthServiceInterface
	JobResults  core.JobResultRepository
	// Store serves stored image artifacts for /api/images/{code} and /static/.
	Store        *artifactstore.Store
	CookieDomain string
	IsDev        bool
	Logger       *slog.Logger
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	// Nil-safe auth wrappers; without an auth service every route is open,
	// which only happens in tests.
	authWrap := func(h http.Handler) http.Handler {
		if services.Auth != nil {
			return RequireAuth(services.Auth)(h)
		}
		return h
	}
	adminWrap := func(h http.Handler) http.Handler {
		if services.Auth != nil {
			return RequireRole(services.Auth, domainauth.RoleAdmin)(h)
		}
		return h
	}

	jobHandlers := &JobHandlers{Svc: services.Jobs, JobResults: services.JobResults}
	imageHandlers := &ImageHandlers{Svc: services.ImageJobs, Store: services.Store, Logger: services.Logger}

	registerImageRoutes(mux, imageHandlers, authWrap, adminWrap)
	registerJobRoutes(mux, jobHandlers, authWrap, adminWrap)

	if services.Attachments != nil {
		attachmentHandlers := &AttachmentHandlers{Svc: services.Attachments, Logger: services.Logger}
		registerAttachmentRoutes(mux, attachmentHandlers, authWrap)
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	if services.Auth != nil {
		authHandlers := &AuthHandlers{Svc: services.Auth, CookieDomain: services.CookieDomain, Logger: services.Logger}
		registerAuthRoutes(mux, authHandlers)
	}

	// Stored artifacts are also browsable directly by file name.
	if services.Store != nil {
		mux.Handle("GET /static/", staticArtifacts(services.Store.Root()))
	}

	return mux
}

func registerImageRoutes(mux *http.ServeMux, h *ImageHandlers, wrap, adminWrap func(http.Handler) http.Handler) {
	mux.Handle("POST /api/fetch-image", wrap(http.HandlerFunc(h.Submit)))
	// Listing spans every submitter's jobs, so it is admin-only.
	mux.Handle("GET /api/image-jobs", adminWrap(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/image-jobs/{id}", wrap(http.HandlerFunc(h.GetStatus)))
	mux.Handle("GET /api/images/{code}", wrap(http.HandlerFunc(h.Download)))
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers, wrap, adminWrap func(http.Handler) http.Handler) {
	mux.Handle("POST /api/jobs", wrap(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /api/jobs/{type}/reserve_next", wrap(http.HandlerFunc(h.ReserveNext)))
	mux.Handle("GET /api/jobs/{type}/stats", adminWrap(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /api/jobs/{id}/status", wrap(http.HandlerFunc(h.GetStatus)))
	mux.Handle("GET /api/jobs/{id}/result", wrap(http.HandlerFunc(h.GetResult)))
	mux.Handle("POST /api/jobs/{id}/heartbeat", wrap(http.HandlerFunc(h.Heartbeat)))
	mux.Handle("POST /api/jobs/{id}/complete", wrap(http.HandlerFunc(h.Complete)))
	mux.Handle("POST /api/jobs/{id}/fail", wrap(http.HandlerFunc(h.Fail)))
}

func registerAttachmentRoutes(mux *http.ServeMux, h *AttachmentHandlers, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /api/attachments", wrap(http.HandlerFunc(h.Upload)))
	mux.Handle("GET /api/attachments", wrap(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/attachments/{id}", wrap(http.HandlerFunc(h.GetByID)))
	mux.Handle("GET /api/attachments/{id}/content", wrap(http.HandlerFunc(h.Download)))
	mux.Handle("DELETE /api/attachments/{id}", wrap(http.HandlerFunc(h.Delete)))
}

func registerAuthRoutes(mux *http.ServeMux, h *AuthHandlers) {
	mux.HandleFunc("GET /auth/login", h.Login)
	mux.HandleFunc("GET /auth/callback", h.Callback)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("GET /auth/status", h.Status)
}

// staticArtifacts serves the artifact root as plain files. Artifact names are
// deterministic per code, so responses must not be cached long-term.
func staticArtifacts(root string) http.Handler {
	fileServer := http.StripPrefix("/static/", http.FileServer(http.Dir(root)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}
