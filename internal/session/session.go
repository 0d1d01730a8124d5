// Package session is the lifecycle orchestrator for emulator sessions. It
// is driven from three places at once: API requests, queue deliveries and
// the periodic sweep. Consistency rests on conditional writes to the
// persisted records, never on in-process locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/blob"
	"github.com/telemyapp/emulab-control-plane/internal/compute"
	"github.com/telemyapp/emulab-control-plane/internal/device"
	"github.com/telemyapp/emulab-control-plane/internal/dns"
	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/queue"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotActive     = errors.New("session is not active")
	ErrSetupTimeout  = errors.New("instance did not become ready in time")
	ErrInvalid       = errors.New("invalid request")
	ErrStateConflict = errors.New("session state changed concurrently")
)

// SetupTask is the setup queue payload.
type SetupTask struct {
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`
}

// TerminationTask is the termination queue payload.
type TerminationTask struct {
	SessionID string `json:"session_id"`
}

// DeviceCleaner resets a device and drains its recordings before the
// instance goes away.
type DeviceCleaner interface {
	StopGame(ctx context.Context, sess model.Session) (device.Report, error)
	UploadRecordings(ctx context.Context, sess model.Session) (int, error)
}

type Options struct {
	Store   store.Collections
	Compute compute.Provider
	DNS     dns.Provider
	Agent   agent.DeviceAgent
	Device  DeviceCleaner
	Queue   queue.Queue
	Blob    blob.Store
	Logger  logrus.FieldLogger

	SetupQueue       string
	TerminationQueue string
	SessionDomain    string
	AgentUsername    string
	Bucket           string
	PresignTTL       time.Duration

	ReadyPollInterval time.Duration
	ReadyTimeout      time.Duration
	TLSAttempts       int
	TLSSettleDelay    time.Duration
	StuckSetupAfter   time.Duration
	MaxSetupAttempts  int
	PageSize          int

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

type Service struct {
	sessions     store.Collection[model.Session]
	liveness     store.Collection[model.SessionLiveness]
	images       store.Collection[model.CatalogImage]
	applications store.Collection[model.Application]
	recordings   store.Collection[model.Recording]

	compute compute.Provider
	dns     dns.Provider
	agent   agent.DeviceAgent
	device  DeviceCleaner
	queue   queue.Queue
	blob    blob.Store
	log     logrus.FieldLogger

	setupQueue       string
	terminationQueue string
	domain           string
	agentUsername    string
	bucket           string
	presignTTL       time.Duration

	readyPoll    time.Duration
	readyTimeout time.Duration
	tlsAttempts  int
	tlsSettle    time.Duration
	stuckAfter   time.Duration
	maxSetup     int
	pageSize     int

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(opts Options) *Service {
	s := &Service{
		sessions:         opts.Store.Sessions,
		liveness:         opts.Store.Liveness,
		images:           opts.Store.Images,
		applications:     opts.Store.Applications,
		recordings:       opts.Store.Recordings,
		compute:          opts.Compute,
		dns:              opts.DNS,
		agent:            opts.Agent,
		device:           opts.Device,
		queue:            opts.Queue,
		blob:             opts.Blob,
		log:              opts.Logger,
		setupQueue:       opts.SetupQueue,
		terminationQueue: opts.TerminationQueue,
		domain:           opts.SessionDomain,
		agentUsername:    opts.AgentUsername,
		bucket:           opts.Bucket,
		presignTTL:       opts.PresignTTL,
		readyPoll:        opts.ReadyPollInterval,
		readyTimeout:     opts.ReadyTimeout,
		tlsAttempts:      opts.TLSAttempts,
		tlsSettle:        opts.TLSSettleDelay,
		stuckAfter:       opts.StuckSetupAfter,
		maxSetup:         opts.MaxSetupAttempts,
		pageSize:         opts.PageSize,
		now:              opts.Now,
		sleep:            opts.Sleep,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.readyPoll <= 0 {
		s.readyPoll = 5 * time.Second
	}
	if s.readyTimeout <= 0 {
		s.readyTimeout = 300 * time.Second
	}
	if s.tlsAttempts <= 0 {
		s.tlsAttempts = 9
	}
	if s.tlsSettle < 0 {
		s.tlsSettle = 0
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = 10 * time.Minute
	}
	if s.maxSetup <= 0 {
		s.maxSetup = 2
	}
	if s.pageSize <= 0 {
		s.pageSize = store.DefaultPageSize
	}
	if s.presignTTL <= 0 {
		s.presignTTL = time.Hour
	}
	if s.agentUsername == "" {
		s.agentUsername = "genymotion"
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.sleep == nil {
		s.sleep = retry.Sleep
	}
	return s
}

// Domain is the host name a session is bound to.
func (s *Service) Domain(sessionID string) string {
	return dns.SessionDomain(sessionID, s.domain)
}

// AccessURL is the agent URL handed to the user once the session is ready.
func (s *Service) AccessURL(sess model.Session) string {
	if sess.InstanceID() == "" {
		return ""
	}
	return fmt.Sprintf("https://%s:%s@%s/", s.agentUsername, sess.InstanceID(), s.Domain(sess.ID))
}

func (s *Service) logger(sessionID string) logrus.FieldLogger {
	return s.log.WithField("session_id", sessionID)
}

var transitions = map[model.SessionState][]model.SessionState{
	model.SessionRequested:          {model.SessionProvisioning, model.SessionTerminating},
	model.SessionProvisioning:       {model.SessionAwaitingNetwork, model.SessionTerminating},
	model.SessionAwaitingNetwork:    {model.SessionBindingTLS, model.SessionTerminating},
	model.SessionBindingTLS:         {model.SessionActive, model.SessionTerminating},
	model.SessionActive:             {model.SessionInactivityDetected, model.SessionTerminating},
	model.SessionInactivityDetected: {model.SessionActive, model.SessionTerminating},
	model.SessionTerminating:        {model.SessionTerminated},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to model.SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves sess to the next state if nobody else moved it first.
// extra fields are written in the same conditional update.
func (s *Service) transition(ctx context.Context, sess *model.Session, to model.SessionState, extra store.Fields) error {
	if !CanTransition(sess.State, to) {
		return retry.Permanent(fmt.Errorf("%w: illegal transition %s -> %s", ErrStateConflict, sess.State, to))
	}
	now := s.now()
	fields := store.Fields{"state": to, "state_changed_at": now}
	for k, v := range extra {
		fields[k] = v
	}
	ok, err := s.sessions.UpdateFieldsIf(ctx, sess.ID, fields, store.Fields{"state": sess.State})
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", sess.State, to, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is no longer %s", ErrStateConflict, sess.ID, sess.State)
	}
	s.logger(sess.ID).WithFields(logrus.Fields{"from": sess.State, "to": to}).Info("event=session_transition")
	metrics.Default().IncCounter("emulab_session_transitions_total", map[string]string{"to": string(to)})
	sess.State = to
	sess.StateChangedAt = now
	return nil
}

func (s *Service) getSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
		}
		return model.Session{}, err
	}
	return sess, nil
}

type StartInput struct {
	CatalogImageID string
	UserIP         string
	ClientInfo     string
}

// StartSession launches an instance and queues the rest of setup. DNS and
// TLS binding happen in ResumeSetup.
func (s *Service) StartSession(ctx context.Context, in StartInput) (model.Session, error) {
	img, err := s.images.GetByID(ctx, in.CatalogImageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Session{}, fmt.Errorf("%w: catalog image %s", ErrNotFound, in.CatalogImageID)
		}
		return model.Session{}, err
	}

	id := model.NewID()
	log := s.logger(id).WithField("catalog_image_id", img.ID)
	start := time.Now()
	view, err := s.compute.CreateInstance(ctx, compute.SpecFor(id, img))
	if err != nil {
		status := "error"
		if errors.Is(err, compute.ErrQuotaExceeded) {
			status = "quota_exceeded"
		}
		metrics.Default().IncCounter("emulab_sessions_started_total", map[string]string{"status": status})
		log.WithFields(logrus.Fields{"err": err, "duration_ms": time.Since(start).Milliseconds()}).Warn("event=session_start_failed")
		return model.Session{}, fmt.Errorf("create instance: %w", err)
	}

	now := s.now()
	sess := model.Session{
		ID:             id,
		CatalogImageID: img.ID,
		Instance:       &view,
		State:          model.SessionProvisioning,
		StateChangedAt: now,
		SetupAttempts:  1,
		UserIP:         in.UserIP,
		ClientInfo:     in.ClientInfo,
		CreatedAt:      now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		s.compensateStart(ctx, sess, err)
		return model.Session{}, fmt.Errorf("persist session: %w", err)
	}
	live := model.SessionLiveness{SessionID: id, LastAccessedAt: now, InstanceResponding: true}
	if err := s.liveness.Put(ctx, live); err != nil {
		s.compensateStart(ctx, sess, err)
		return model.Session{}, fmt.Errorf("persist liveness: %w", err)
	}
	if err := queue.SendJSON(ctx, s.queue, s.setupQueue, SetupTask{SessionID: id, InstanceID: view.ID}); err != nil {
		s.compensateStart(ctx, sess, err)
		return model.Session{}, fmt.Errorf("enqueue setup: %w", err)
	}

	metrics.Default().IncCounter("emulab_sessions_started_total", map[string]string{"status": "ok"})
	log.WithFields(logrus.Fields{
		"instance_id": view.ID,
		"user_ip":     in.UserIP,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("event=session_started")
	return sess, nil
}

// compensateStart releases the instance of a half-created session and
// closes out whatever record was written.
func (s *Service) compensateStart(ctx context.Context, sess model.Session, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger(sess.ID).WithFields(logrus.Fields{"instance_id": sess.InstanceID(), "cause": cause})
	if err := s.compute.TerminateInstance(ctx, sess.InstanceID()); err != nil {
		log.WithField("err", err).Error("event=session_start_compensation terminate_failed")
	}
	now := s.now()
	if err := s.sessions.UpdateFields(ctx, sess.ID, store.Fields{
		"state":            model.SessionTerminated,
		"state_changed_at": now,
		"ended_at":         now,
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithField("err", err).Error("event=session_start_compensation close_failed")
	}
	metrics.Default().IncCounter("emulab_sessions_started_total", map[string]string{"status": "compensated"})
}

// GetSession returns the session with a fresh instance view.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if err := s.RefreshInstanceView(ctx, &sess); err != nil {
		s.logger(id).WithField("err", err).Warn("event=instance_refresh_failed")
	}
	return sess, nil
}

// RequireActive returns the session only if device operations are allowed
// on it.
func (s *Service) RequireActive(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !sess.Ready() {
		return model.Session{}, fmt.Errorf("%w: %s is %s", ErrNotActive, id, sess.State)
	}
	return sess, nil
}

// RefreshInstanceView overlays provider state onto the cached instance.
// Only the instance field is written, so TLS binding state is untouched.
func (s *Service) RefreshInstanceView(ctx context.Context, sess *model.Session) error {
	if sess.InstanceID() == "" {
		return nil
	}
	view, err := s.compute.DescribeInstance(ctx, sess.InstanceID())
	if errors.Is(err, compute.ErrInstanceNotFound) {
		view = *sess.Instance
		view.LifecycleState = model.InstanceTerminated
	} else if err != nil {
		return err
	}
	return s.storeView(ctx, sess, view)
}

func (s *Service) storeView(ctx context.Context, sess *model.Session, view model.InstanceView) error {
	if sess.Instance != nil && *sess.Instance == view {
		return nil
	}
	if err := s.sessions.UpdateFields(ctx, sess.ID, store.Fields{"instance": view}); err != nil {
		return err
	}
	sess.Instance = &view
	return nil
}

// ListSessions returns sessions with refreshed instance views. With
// onlyActive, ended sessions and sessions whose instance is not live are
// left out.
func (s *Service) ListSessions(ctx context.Context, onlyActive bool) ([]model.Session, error) {
	all, err := s.sessions.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]model.Session, 0, len(all))
	ids := make([]string, 0, len(all))
	for _, sess := range all {
		if onlyActive && sess.EndedAt != nil {
			continue
		}
		candidates = append(candidates, sess)
		if id := sess.InstanceID(); id != "" {
			ids = append(ids, id)
		}
	}

	views := map[string]model.InstanceView{}
	if len(ids) > 0 {
		views, err = s.compute.DescribeInstances(ctx, ids)
		if err != nil {
			s.log.WithField("err", err).Warn("event=instance_refresh_failed")
			views = nil
		}
	}

	out := make([]model.Session, 0, len(candidates))
	for i := range candidates {
		sess := candidates[i]
		if views != nil && sess.Instance != nil {
			view, ok := views[sess.InstanceID()]
			if !ok {
				view = *sess.Instance
				view.LifecycleState = model.InstanceTerminated
			}
			if err := s.storeView(ctx, &sess, view); err != nil {
				s.logger(sess.ID).WithField("err", err).Warn("event=instance_view_write_failed")
			}
		}
		if onlyActive && (sess.Instance == nil || !sess.Instance.Live()) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Touch records an access. A session flagged idle becomes active again.
func (s *Service) Touch(ctx context.Context, id string) error {
	err := s.liveness.UpdateFields(ctx, id, store.Fields{"last_accessed_at": s.now()})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if _, err := s.sessions.UpdateFieldsIf(ctx, id,
		store.Fields{"state": model.SessionActive, "state_changed_at": s.now()},
		store.Fields{"state": model.SessionInactivityDetected},
	); err != nil {
		return err
	}
	return nil
}

func (s *Service) Liveness(ctx context.Context, id string) (model.SessionLiveness, error) {
	live, err := s.liveness.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return live, fmt.Errorf("%w: liveness %s", ErrNotFound, id)
	}
	return live, err
}
