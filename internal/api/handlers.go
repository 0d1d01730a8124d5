package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/emulab-control-plane/internal/device"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/session"
)

type sessionStartRequest struct {
	CatalogImageID string `json:"catalog_image_id"`
	ClientInfo     string `json:"client_info"`
}

type gameStartRequest struct {
	VirtualKeyboard bool `json:"virtual_keyboard"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type sessionResponse struct {
	model.Session
	AccessURL string `json:"access_url,omitempty"`
}

func (s *Server) toSessionResponse(sess model.Session) sessionResponse {
	out := sessionResponse{Session: sess}
	if sess.TLSBound {
		out.AccessURL = s.sessions.AccessURL(sess)
	}
	return out
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if req.CatalogImageID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "catalog_image_id is required")
		return
	}
	clientInfo := req.ClientInfo
	if clientInfo == "" {
		clientInfo = r.UserAgent()
	}
	sess, err := s.sessions.StartSession(r.Context(), session.StartInput{
		CatalogImageID: req.CatalogImageID,
		UserIP:         clientIP(r),
		ClientInfo:     clientInfo,
	})
	if err != nil {
		s.writeServiceError(w, r, err, "start session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	onlyActive, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := s.sessions.ListSessions(r.Context(), onlyActive)
	if err != nil {
		s.writeServiceError(w, r, err, "list sessions")
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, s.toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err, "get session")
		return
	}
	s.touch(r, id)
	writeJSON(w, http.StatusOK, map[string]any{"session": s.toSessionResponse(sess)})
}

func (s *Server) handleSessionPing(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Touch(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeServiceError(w, r, err, "record session access")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	scheduled, err := s.sessions.EndSession(r.Context(), id, "user")
	if err != nil {
		s.writeServiceError(w, r, err, "end session")
		return
	}
	if !scheduled {
		// Already terminated, or an earlier request scheduled the teardown.
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "termination_scheduled": false, "status": "already_ending"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "termination_scheduled": true, "status": "scheduled"})
}

// clientIP drops the port RemoteAddr carries when no proxy header replaced
// it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// touch records the access without failing the read it rides on.
func (s *Server) touch(r *http.Request, id string) {
	if err := s.sessions.Touch(r.Context(), id); err != nil {
		s.log.WithField("session_id", id).WithField("err", err).Warn("event=session_touch_failed")
	}
}

// activeSession resolves the path session for a device intent and counts
// the request as an access.
func (s *Server) activeSession(w http.ResponseWriter, r *http.Request) (model.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.RequireActive(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err, "load session")
		return model.Session{}, false
	}
	s.touch(r, id)
	return sess, true
}

func (s *Server) handleGameStart(w http.ResponseWriter, r *http.Request) {
	var req gameStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	sess, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	report, err := s.devices.StartGame(r.Context(), sess, chi.URLParam(r, "applicationID"), device.StartOptions{
		VirtualKeyboard: req.VirtualKeyboard,
	})
	if err != nil {
		s.writeServiceError(w, r, err, "start game")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.OK(), "report": report})
}

func (s *Server) handleGameStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	report, err := s.devices.StopGame(r.Context(), sess)
	if err != nil {
		s.writeServiceError(w, r, err, "stop game")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.OK(), "report": report})
}

func (s *Server) handleKiosk(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, "set kiosk mode", s.devices.SetKioskMode)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, "set network access", s.devices.SetNetworkAccess)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, action string, apply func(ctx context.Context, sess model.Session, enabled bool) error) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	sess, ok := s.activeSession(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), sess, *req.Enabled); err != nil {
		s.writeServiceError(w, r, err, action)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

func (s *Server) handleImageList(w http.ResponseWriter, r *http.Request) {
	images, err := s.sessions.ListCatalogImages(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err, "list catalog images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *Server) handleImageCreate(w http.ResponseWriter, r *http.Request) {
	var img model.CatalogImage
	if err := decodeJSON(r, &img); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	created, err := s.sessions.CreateCatalogImage(r.Context(), img)
	if err != nil {
		s.writeServiceError(w, r, err, "create catalog image")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"image": created})
}

func (s *Server) handleImageRecommended(w http.ResponseWriter, r *http.Request) {
	img, err := s.sessions.RecommendedCatalogImage(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err, "recommend catalog image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": img})
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	img, err := s.sessions.GetCatalogImage(r.Context(), chi.URLParam(r, "imageID"))
	if err != nil {
		s.writeServiceError(w, r, err, "get catalog image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": img})
}

func (s *Server) handleApplicationList(w http.ResponseWriter, r *http.Request) {
	apps, err := s.sessions.ListApplications(r.Context(), r.URL.Query().Get("image_id"))
	if err != nil {
		s.writeServiceError(w, r, err, "list applications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (s *Server) handleApplicationCreate(w http.ResponseWriter, r *http.Request) {
	var app model.Application
	if err := decodeJSON(r, &app); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	created, err := s.sessions.CreateApplication(r.Context(), app)
	if err != nil {
		s.writeServiceError(w, r, err, "create application")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"application": created})
}

func (s *Server) handleApplicationRecommended(w http.ResponseWriter, r *http.Request) {
	imageID := r.URL.Query().Get("image_id")
	if imageID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "image_id is required")
		return
	}
	app, err := s.sessions.RecommendedApplicationFor(r.Context(), imageID)
	if err != nil {
		s.writeServiceError(w, r, err, "recommend application")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"application": app})
}

func (s *Server) handleApplicationGet(w http.ResponseWriter, r *http.Request) {
	app, err := s.sessions.GetApplication(r.Context(), chi.URLParam(r, "applicationID"))
	if err != nil {
		s.writeServiceError(w, r, err, "get application")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"application": app})
}

func (s *Server) handleRecordingList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.sessions.ListRecordings(r.Context(), session.RecordingQuery{
		SessionID:     q.Get("session_id"),
		ApplicationID: q.Get("application_id"),
	})
	if err != nil {
		s.writeServiceError(w, r, err, "list recordings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	url, err := s.sessions.RecordingDownloadURL(r.Context(), chi.URLParam(r, "recordingID"))
	if err != nil {
		s.writeServiceError(w, r, err, "presign recording")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err, "aggregate stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
