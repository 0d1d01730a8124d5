package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/dns"
	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/queue"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

// EndSession schedules teardown and reports whether this call did so. It
// reports false when the session is already terminated or its teardown is
// already scheduled. The termination_scheduled flag is flipped with a
// conditional write before the task is sent, so at most one task is
// outstanding per session no matter how many callers race here.
func (s *Service) EndSession(ctx context.Context, id, trigger string) (bool, error) {
	return s.scheduleTermination(ctx, id, trigger)
}

func (s *Service) scheduleTermination(ctx context.Context, id, trigger string) (bool, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return false, err
	}
	log := s.logger(id).WithField("trigger", trigger)
	if sess.State == model.SessionTerminated {
		log.Info("event=termination_skipped already_terminated")
		return false, nil
	}

	now := s.now()
	ok, err := s.liveness.UpdateFieldsIf(ctx, id,
		store.Fields{"termination_scheduled": true, "termination_scheduled_at": now},
		store.Fields{"termination_scheduled": false},
	)
	if errors.Is(err, store.ErrNotFound) {
		// A session whose liveness record never got written is still torn
		// down. Create the record already flagged.
		err = s.liveness.Put(ctx, model.SessionLiveness{
			SessionID:              id,
			LastAccessedAt:         now,
			TerminationScheduled:   true,
			TerminationScheduledAt: &now,
		})
		ok = err == nil
	}
	if err != nil {
		return false, fmt.Errorf("flag termination: %w", err)
	}
	if !ok {
		log.Info("event=termination_already_scheduled")
		return false, nil
	}

	if err := queue.SendJSON(ctx, s.queue, s.terminationQueue, TerminationTask{SessionID: id}); err != nil {
		// Clear the flag so the next sweep or request can try again.
		if rerr := s.liveness.UpdateFields(context.WithoutCancel(ctx), id, store.Fields{
			"termination_scheduled":    false,
			"termination_scheduled_at": nil,
		}); rerr != nil {
			log.WithField("err", rerr).Error("event=termination_flag_rollback_failed")
		}
		return false, fmt.Errorf("enqueue termination: %w", err)
	}
	metrics.Default().IncCounter("emulab_terminations_scheduled_total", map[string]string{"trigger": trigger})
	log.Info("event=termination_scheduled")
	return true, nil
}

// InactivitySweep schedules teardown for every responding session that has
// not been accessed for longer than threshold. It returns how many sessions
// it scheduled. Running it concurrently with itself is safe.
func (s *Service) InactivitySweep(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := s.now().Add(-threshold)
	filter := store.Filter{
		Equals: map[string]any{"instance_responding": true, "termination_scheduled": false},
		Before: map[string]time.Time{"last_accessed_at": cutoff},
	}
	scheduled := 0
	var errs []error
	cursor := ""
	for {
		page, next, err := s.liveness.Scan(ctx, filter, store.Page{After: cursor, Limit: s.pageSize})
		if err != nil {
			return scheduled, fmt.Errorf("scan liveness: %w", err)
		}
		for _, live := range page {
			log := s.logger(live.SessionID).WithField("last_accessed_at", live.LastAccessedAt)
			s.flagInactive(ctx, live.SessionID, log)
			ok, err := s.scheduleTermination(ctx, live.SessionID, "inactivity")
			if err != nil {
				log.WithField("err", err).Error("event=inactivity_termination_failed")
				errs = append(errs, err)
				continue
			}
			if ok {
				scheduled++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	s.log.WithFields(logrus.Fields{"scheduled": scheduled, "cutoff": cutoff}).Info("event=inactivity_sweep")
	return scheduled, errors.Join(errs...)
}

func (s *Service) flagInactive(ctx context.Context, id string, log logrus.FieldLogger) {
	ok, err := s.sessions.UpdateFieldsIf(ctx, id,
		store.Fields{"state": model.SessionInactivityDetected, "state_changed_at": s.now()},
		store.Fields{"state": model.SessionActive},
	)
	if err != nil {
		log.WithField("err", err).Warn("event=inactivity_flag_failed")
		return
	}
	if ok {
		metrics.Default().IncCounter("emulab_session_transitions_total", map[string]string{"to": string(model.SessionInactivityDetected)})
	}
}

// Terminate runs the teardown sequence. Device cleanup is best effort;
// compute and DNS release must succeed for the session to reach
// Terminated. Every step tolerates having run before.
func (s *Service) Terminate(ctx context.Context, task TerminationTask) error {
	sess, err := s.getSession(ctx, task.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger(task.SessionID).Warn("event=termination_skipped session_missing")
			return nil
		}
		return err
	}
	log := s.logger(sess.ID).WithField("instance_id", sess.InstanceID())
	if sess.State == model.SessionTerminated {
		s.releaseLiveness(ctx, sess.ID, log)
		return nil
	}
	if err := s.beginTermination(ctx, &sess); err != nil {
		if errors.Is(err, errAlreadyTerminated) {
			s.releaseLiveness(ctx, sess.ID, log)
			return nil
		}
		return err
	}

	// The cached view can say running long after the provider lost the
	// instance. Talking to a dead agent only burns the visibility window.
	if err := s.RefreshInstanceView(ctx, &sess); err != nil {
		log.WithField("err", err).Warn("event=instance_refresh_failed")
	}
	s.cleanupDevice(ctx, sess, log)

	var errs []error
	if id := sess.InstanceID(); id != "" {
		if err := s.compute.TerminateInstance(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("terminate instance %s: %w", id, err))
		} else {
			log.Info("event=instance_terminated")
		}
	}
	name := s.Domain(sess.ID)
	ip := ""
	if sess.Instance != nil {
		ip = sess.Instance.IPAddress
	}
	if err := s.dns.Delete(ctx, name, ip); err != nil && !errors.Is(err, dns.ErrAlreadyAbsent) {
		errs = append(errs, fmt.Errorf("delete dns %s: %w", name, err))
	} else {
		log.WithField("domain", name).Info("event=dns_released")
	}
	if err := s.RefreshInstanceView(ctx, &sess); err != nil {
		log.WithField("err", err).Warn("event=instance_refresh_failed")
	}

	if err := s.liveness.UpdateFields(ctx, sess.ID, store.Fields{"instance_responding": false}); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, fmt.Errorf("mark liveness inactive: %w", err))
	}
	if len(errs) > 0 {
		// termination_scheduled stays set so Reconcile re-sends the task
		// if redelivery gives up.
		return errors.Join(errs...)
	}

	if err := s.transition(ctx, &sess, model.SessionTerminated, nil); err != nil {
		return err
	}
	s.releaseLiveness(ctx, sess.ID, log)
	log.Info("event=session_terminated")
	return nil
}

var errAlreadyTerminated = errors.New("session already terminated")

// beginTermination moves the session into Terminating and stamps ended_at.
// A concurrent transition is retried against the fresh state.
func (s *Service) beginTermination(ctx context.Context, sess *model.Session) error {
	for attempt := 0; attempt < 3; attempt++ {
		if sess.State == model.SessionTerminated {
			return errAlreadyTerminated
		}
		if sess.State == model.SessionTerminating {
			if sess.EndedAt == nil {
				now := s.now()
				if err := s.sessions.UpdateFields(ctx, sess.ID, store.Fields{"ended_at": now}); err != nil {
					return err
				}
				sess.EndedAt = &now
			}
			return nil
		}
		extra := store.Fields{}
		if sess.EndedAt == nil {
			now := s.now()
			extra["ended_at"] = now
			sess.EndedAt = &now
		}
		err := s.transition(ctx, sess, model.SessionTerminating, extra)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStateConflict) || retry.IsPermanent(err) {
			return err
		}
		fresh, gerr := s.getSession(ctx, sess.ID)
		if gerr != nil {
			return gerr
		}
		*sess = fresh
	}
	return fmt.Errorf("%w: could not enter terminating", ErrStateConflict)
}

func (s *Service) cleanupDevice(ctx context.Context, sess model.Session, log logrus.FieldLogger) {
	if s.device == nil || sess.BoundAddress == "" || sess.Instance == nil || sess.Instance.LifecycleState != model.InstanceRunning {
		log.Info("event=device_cleanup_skipped")
		return
	}
	report, err := s.device.StopGame(ctx, sess)
	if err != nil {
		log.WithField("err", err).Warn("event=device_cleanup_failed")
	} else if !report.OK() {
		log.WithField("failed_steps", len(report.Failed)).Warn("event=device_cleanup_partial")
	}
	n, err := s.device.UploadRecordings(ctx, sess)
	if err != nil {
		log.WithField("err", err).Warn("event=recording_upload_failed")
		return
	}
	log.WithField("uploaded", n).Info("event=recordings_flushed")
}

func (s *Service) releaseLiveness(ctx context.Context, id string, log logrus.FieldLogger) {
	err := s.liveness.UpdateFields(ctx, id, store.Fields{
		"instance_responding":   false,
		"termination_scheduled": false,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithField("err", err).Warn("event=liveness_release_failed")
	}
}
