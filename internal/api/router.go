package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/compute"
	"github.com/telemyapp/emulab-control-plane/internal/config"
	"github.com/telemyapp/emulab-control-plane/internal/device"
	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/session"
)

type Sessions interface {
	StartSession(ctx context.Context, in session.StartInput) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	RequireActive(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context, onlyActive bool) ([]model.Session, error)
	Touch(ctx context.Context, id string) error
	EndSession(ctx context.Context, id, trigger string) (bool, error)
	AccessURL(sess model.Session) string

	CreateCatalogImage(ctx context.Context, img model.CatalogImage) (model.CatalogImage, error)
	ListCatalogImages(ctx context.Context) ([]model.CatalogImage, error)
	GetCatalogImage(ctx context.Context, id string) (model.CatalogImage, error)
	RecommendedCatalogImage(ctx context.Context) (model.CatalogImage, error)
	CreateApplication(ctx context.Context, app model.Application) (model.Application, error)
	ListApplications(ctx context.Context, catalogImageID string) ([]model.Application, error)
	GetApplication(ctx context.Context, id string) (model.Application, error)
	RecommendedApplicationFor(ctx context.Context, catalogImageID string) (model.Application, error)
	ListRecordings(ctx context.Context, q session.RecordingQuery) ([]model.Recording, error)
	RecordingDownloadURL(ctx context.Context, id string) (string, error)
	Stats(ctx context.Context) (session.Stats, error)
}

type Devices interface {
	SetKioskMode(ctx context.Context, sess model.Session, enabled bool) error
	SetNetworkAccess(ctx context.Context, sess model.Session, enabled bool) error
	StartGame(ctx context.Context, sess model.Session, applicationID string, opts device.StartOptions) (device.Report, error)
	StopGame(ctx context.Context, sess model.Session) (device.Report, error)
}

type Server struct {
	cfg      config.Config
	sessions Sessions
	devices  Devices
	log      logrus.FieldLogger
}

func NewRouter(cfg config.Config, sessions Sessions, devices Devices, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{cfg: cfg, sessions: sessions, devices: devices, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	// Creating an instance and device intents can take tens of seconds.
	r.Use(middleware.Timeout(3 * time.Minute))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/sessions", func(sr chi.Router) {
			sr.Post("/", s.handleSessionStart)
			sr.Get("/", s.handleSessionList)
			sr.Route("/{sessionID}", func(one chi.Router) {
				one.Get("/", s.handleSessionGet)
				one.Post("/ping", s.handleSessionPing)
				one.Post("/end", s.handleSessionEnd)
				one.Post("/games/{applicationID}/start", s.handleGameStart)
				one.Post("/games/stop", s.handleGameStop)
				one.Put("/kiosk", s.handleKiosk)
				one.Put("/network", s.handleNetwork)
			})
		})

		v1.Get("/images", s.handleImageList)
		v1.Post("/images", s.handleImageCreate)
		v1.Get("/images/recommended", s.handleImageRecommended)
		v1.Get("/images/{imageID}", s.handleImageGet)

		v1.Get("/applications", s.handleApplicationList)
		v1.Post("/applications", s.handleApplicationCreate)
		v1.Get("/applications/recommended", s.handleApplicationRecommended)
		v1.Get("/applications/{applicationID}", s.handleApplicationGet)

		v1.Get("/recordings", s.handleRecordingList)
		v1.Get("/recordings/{recordingID}/download", s.handleRecordingDownload)
		v1.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("event=http_request")
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

// writeServiceError maps orchestrator errors onto the client envelope.
// Unexpected errors are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, device.ErrApplicationNotFound):
		writeAPIError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, compute.ErrQuotaExceeded):
		writeAPIError(w, r, http.StatusServiceUnavailable, "capacity_unavailable", "no emulator capacity available, retry later")
	case errors.Is(err, session.ErrNotActive), errors.Is(err, device.ErrNoAddress):
		writeAPIError(w, r, http.StatusConflict, "session_not_active", "session is not active")
	case errors.Is(err, session.ErrInvalid):
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.WithFields(logrus.Fields{
			"err":        err,
			"action":     action,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("event=request_failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	// An empty body leaves v at its defaults.
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
