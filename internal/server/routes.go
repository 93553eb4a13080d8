package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/zsiec/doorway/internal/device"
	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/health"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/pkg/version"
)

// maxBody bounds pushed events and stream requests.
const maxBody = 64 << 10

// AccessoryStatus is the API view of one accessory.
type AccessoryStatus struct {
	Name           string         `json:"name"`
	MotionDetected bool           `json:"motion_detected"`
	Visitor        *VisitorStatus `json:"visitor,omitempty"`
	Sessions       []string       `json:"sessions"`
}

// PrepareStreamResponse answers a prepare request. SessionID is generated
// when the request did not carry one.
type PrepareStreamResponse struct {
	SessionID string `json:"session_id"`
	hub.PrepareResponse
}

// StreamResult acknowledges a start, stop or reconfigure request.
type StreamResult struct {
	SessionID string          `json:"session_id"`
	Type      hub.RequestType `json:"type"`
	Status    string          `json:"status"`
}

// VisitorStatus describes the current visitor without the image bytes.
type VisitorStatus struct {
	Index     int       `json:"index"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MediaKind string    `json:"media_kind,omitempty"`
	IsUnread  bool      `json:"is_unread"`
	HasImage  bool      `json:"has_image"`
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.altSvcMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/accessories", s.handleAccessories).Methods(http.MethodGet)
	api.HandleFunc("/accessories/{name}", s.handleAccessory).Methods(http.MethodGet)
	api.HandleFunc("/accessories/{name}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/accessories/{name}/motion", s.handleMotion).Methods(http.MethodGet)
	api.HandleFunc("/accessories/{name}/events", s.handleEvent).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/accessories/{name}/streams", s.handlePrepareStream).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/accessories/{name}/streams/{id}", s.handleStreamRequest).Methods(http.MethodPost, http.MethodOptions)
	api.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	api.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)

	if s.config.DebugEndpoints {
		s.logger.Info("Enabling debug endpoints")
		s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, r, http.StatusOK, []*registry.Session{})
		return
	}

	sessions, err := s.registry.List(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, errors.NewServiceDownError("session registry"))
		return
	}
	if sessions == nil {
		sessions = []*registry.Session{}
	}
	s.writeJSON(w, r, http.StatusOK, sessions)
}

func (s *Server) handleAccessories(w http.ResponseWriter, r *http.Request) {
	out := make([]AccessoryStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.status(s.accessories[name]))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleAccessory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.status(a))
}

func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]bool{"motion_detected": a.MotionDetected()})
}

// handleSnapshot serves a JPEG sized by the optional width and height query
// parameters. Zero or missing means the native size.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}

	width, err := queryInt(r, "width")
	if err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("width must be a non-negative integer"))
		return
	}
	height, err := queryInt(r, "height")
	if err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("height must be a non-negative integer"))
		return
	}

	a.HandleSnapshotRequest(r.Context(), width, height, func(img []byte, err error) {
		if err != nil {
			s.errorHandler.HandleError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(img)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(img); err != nil {
			logger.FromContext(r.Context()).WithError(err).Debug("Failed to write snapshot")
		}
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}

	var raw device.RawEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&raw); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid event body"))
		return
	}
	if raw.Type == "" {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("event type is required"))
		return
	}

	ev := device.Decode(raw)
	a.HandleEvent(ev)

	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"event": ev.String()})
}

// handlePrepareStream opens a session: it allocates the return ports and
// SSRCs and echoes the hub's keys.
func (s *Server) handlePrepareStream(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}

	var req hub.PrepareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid prepare body"))
		return
	}
	if req.TargetAddress == "" {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("target_address is required"))
		return
	}
	switch req.AddressVersion {
	case "":
		req.AddressVersion = hub.IPv4
	case hub.IPv4, hub.IPv6:
	default:
		s.errorHandler.HandleError(w, r, errors.NewValidationError("address_version must be ipv4 or ipv6"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	resp, err := a.PrepareStream(r.Context(), req)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, PrepareStreamResponse{SessionID: req.SessionID, PrepareResponse: resp})
}

// handleStreamRequest starts, stops or reconfigures the session named in the
// path and waits for the acknowledgement.
func (s *Server) handleStreamRequest(w http.ResponseWriter, r *http.Request) {
	a, ok := s.accessory(w, r)
	if !ok {
		return
	}

	var req hub.StreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("invalid stream request body"))
		return
	}
	if req.Type == "" {
		s.errorHandler.HandleError(w, r, errors.NewValidationError("request type is required"))
		return
	}
	req.SessionID = mux.Vars(r)["id"]

	done := make(chan error, 1)
	a.HandleStreamRequest(req, func(err error) {
		select {
		case done <- err:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.streamAck)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			s.errorHandler.HandleError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, StreamResult{SessionID: req.SessionID, Type: req.Type, Status: "ok"})
	case <-ctx.Done():
		s.errorHandler.HandleError(w, r, errors.NewTimeoutError("stream request was not acknowledged"))
	}
}

func (s *Server) accessory(w http.ResponseWriter, r *http.Request) (Accessory, bool) {
	a, ok := s.accessories[mux.Vars(r)["name"]]
	if !ok {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("accessory"))
	}
	return a, ok
}

func (s *Server) status(a Accessory) AccessoryStatus {
	st := AccessoryStatus{
		Name:           a.Name(),
		MotionDetected: a.MotionDetected(),
		Sessions:       a.Sessions(),
	}
	if st.Sessions == nil {
		st.Sessions = []string{}
	}
	if v, ok := a.Visitor(); ok {
		st.Visitor = &VisitorStatus{
			Index:     v.Index,
			Location:  v.Location,
			Timestamp: v.Timestamp,
			MediaKind: v.MediaKind,
			IsUnread:  v.IsUnread,
			HasImage:  len(v.Image) > 0,
		}
	}
	return st
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}
