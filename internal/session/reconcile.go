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
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

// ReconcileReport counts what one Reconcile pass repaired.
type ReconcileReport struct {
	SetupRetried         int `json:"setup_retried"`
	SetupAbandoned       int `json:"setup_abandoned"`
	InstancesReaped      int `json:"instances_reaped"`
	TerminationsRequeued int `json:"terminations_requeued"`
	RecordsReleased      int `json:"records_released"`
}

// Reconcile checks the cross-record invariants nothing else enforces:
//
//   - a session stuck in setup is retried up to the attempt limit and then
//     torn down,
//   - an ended session whose instance is still live gets its instance
//     terminated again, and its DNS record is deleted again,
//   - a scheduled termination that never completed is sent again.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := s.now().Add(-s.stuckAfter)
	errs := []error{
		s.reconcileStuckSetup(ctx, cutoff, &report),
		s.reconcileEndedSessions(ctx, cutoff, &report),
		s.reconcileScheduledTerminations(ctx, cutoff, &report),
	}
	s.log.WithFields(logrus.Fields{
		"setup_retried":         report.SetupRetried,
		"setup_abandoned":       report.SetupAbandoned,
		"instances_reaped":      report.InstancesReaped,
		"terminations_requeued": report.TerminationsRequeued,
		"records_released":      report.RecordsReleased,
	}).Info("event=reconcile")
	return report, errors.Join(errs...)
}

func (s *Service) reconcileStuckSetup(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	var errs []error
	for _, state := range []model.SessionState{model.SessionProvisioning, model.SessionAwaitingNetwork, model.SessionBindingTLS} {
		err := s.scanSessions(ctx, store.Filter{
			Equals: map[string]any{"state": state},
			Before: map[string]time.Time{"state_changed_at": cutoff},
		}, func(sess model.Session) error {
			log := s.logger(sess.ID).WithFields(logrus.Fields{"state": sess.State, "setup_attempts": sess.SetupAttempts})
			if sess.EndedAt != nil {
				return nil
			}
			if sess.SetupAttempts >= s.maxSetup {
				scheduled, err := s.scheduleTermination(ctx, sess.ID, "setup_stuck")
				if err != nil {
					return err
				}
				if scheduled {
					log.Warn("event=setup_abandoned")
					report.SetupAbandoned++
				}
				return nil
			}
			ok, err := s.sessions.UpdateFieldsIf(ctx, sess.ID,
				store.Fields{"setup_attempts": sess.SetupAttempts + 1, "state_changed_at": s.now()},
				store.Fields{"state": sess.State, "setup_attempts": sess.SetupAttempts},
			)
			if err != nil || !ok {
				return err
			}
			if err := queue.SendJSON(ctx, s.queue, s.setupQueue, SetupTask{SessionID: sess.ID, InstanceID: sess.InstanceID()}); err != nil {
				return fmt.Errorf("re-enqueue setup: %w", err)
			}
			log.Warn("event=setup_retried")
			report.SetupRetried++
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reconcileEndedSessions re-releases what an ended session may still hold.
// A live instance is terminated again. A DNS record is deleted again, which
// also catches a record written by a setup task that raced teardown. Once a
// terminated session is seen clean it is marked and never scanned again.
func (s *Service) reconcileEndedSessions(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	var ended []model.Session
	err := s.scanSessions(ctx, store.Filter{
		Equals: map[string]any{"release_verified": false},
		Before: map[string]time.Time{"ended_at": cutoff},
	}, func(sess model.Session) error {
		ended = append(ended, sess)
		return nil
	})
	if err != nil || len(ended) == 0 {
		return err
	}

	ids := make([]string, 0, len(ended))
	for _, sess := range ended {
		if id := sess.InstanceID(); id != "" {
			ids = append(ids, id)
		}
	}
	views := map[string]model.InstanceView{}
	if len(ids) > 0 {
		views, err = s.compute.DescribeInstances(ctx, ids)
		if err != nil {
			return fmt.Errorf("describe ended instances: %w", err)
		}
	}

	var errs []error
	for _, sess := range ended {
		log := s.logger(sess.ID).WithField("state", sess.State)
		if view, ok := views[sess.InstanceID()]; ok && holdsCapacity(view.LifecycleState) {
			log.WithFields(logrus.Fields{"instance_id": view.ID, "lifecycle": view.LifecycleState}).Warn("event=ended_session_instance_live")
			if err := s.compute.TerminateInstance(ctx, view.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			report.InstancesReaped++
			metrics.Default().IncCounter("emulab_reconcile_repairs_total", map[string]string{"kind": "instance"})
			// Verified on a later pass, once the instance is gone.
			continue
		}

		name := s.Domain(sess.ID)
		ip := ""
		if sess.Instance != nil {
			ip = sess.Instance.IPAddress
		}
		switch err := s.dns.Delete(ctx, name, ip); {
		case err == nil:
			log.WithField("domain", name).Warn("event=ended_session_dns_released")
			report.RecordsReleased++
			metrics.Default().IncCounter("emulab_reconcile_repairs_total", map[string]string{"kind": "dns"})
		case errors.Is(err, dns.ErrAlreadyAbsent):
		default:
			errs = append(errs, fmt.Errorf("delete dns %s: %w", name, err))
			continue
		}

		// A session still terminating is finished by its termination task.
		if sess.State != model.SessionTerminated {
			continue
		}
		if _, err := s.sessions.UpdateFieldsIf(ctx, sess.ID,
			store.Fields{"release_verified": true},
			store.Fields{"state": model.SessionTerminated},
		); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func holdsCapacity(state string) bool {
	switch state {
	case model.InstancePending, model.InstanceRunning, model.InstanceStopping, model.InstanceStopped:
		return true
	}
	return false
}

func (s *Service) reconcileScheduledTerminations(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	filter := store.Filter{
		Equals: map[string]any{"termination_scheduled": true},
		Before: map[string]time.Time{"termination_scheduled_at": cutoff},
	}
	var errs []error
	cursor := ""
	for {
		page, next, err := s.liveness.Scan(ctx, filter, store.Page{After: cursor, Limit: s.pageSize})
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, live := range page {
			log := s.logger(live.SessionID)
			sess, err := s.getSession(ctx, live.SessionID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
				continue
			}
			if err != nil || sess.State == model.SessionTerminated {
				s.releaseLiveness(ctx, live.SessionID, log)
				continue
			}
			if err := s.liveness.UpdateFields(ctx, live.SessionID, store.Fields{"termination_scheduled_at": s.now()}); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := queue.SendJSON(ctx, s.queue, s.terminationQueue, TerminationTask{SessionID: live.SessionID}); err != nil {
				errs = append(errs, err)
				continue
			}
			log.Warn("event=termination_requeued")
			report.TerminationsRequeued++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return errors.Join(errs...)
}

func (s *Service) scanSessions(ctx context.Context, filter store.Filter, fn func(model.Session) error) error {
	var errs []error
	cursor := ""
	for {
		page, next, err := s.sessions.Scan(ctx, filter, store.Page{After: cursor, Limit: s.pageSize})
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		for _, sess := range page {
			if err := fn(sess); err != nil {
				errs = append(errs, err)
			}
		}
		if next == "" {
			return errors.Join(errs...)
		}
		cursor = next
	}
}
