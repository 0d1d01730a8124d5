package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/compute"
	"github.com/telemyapp/emulab-control-plane/internal/dns"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

// ResumeSetup drives a session from Provisioning to Active. It picks up
// from whichever setup state the session is in, so a redelivered task
// repeats only the steps that have not completed.
//
// A readiness timeout returns ErrSetupTimeout and leaves the session where
// it is for Reconcile. A permanent failure schedules teardown.
func (s *Service) ResumeSetup(ctx context.Context, task SetupTask) error {
	sess, err := s.getSession(ctx, task.SessionID)
	if err != nil {
		return retry.Permanent(err)
	}
	log := s.logger(sess.ID).WithFields(logrus.Fields{"instance_id": task.InstanceID, "state": sess.State})
	if sess.EndedAt != nil || !sess.State.Setup() {
		log.Info("event=setup_skipped")
		return nil
	}
	if sess.InstanceID() != "" && task.InstanceID != sess.InstanceID() {
		log.WithField("session_instance_id", sess.InstanceID()).Warn("event=setup_skipped stale_instance")
		return nil
	}

	err = s.runSetup(ctx, &sess, task.InstanceID, log)
	switch {
	case err == nil:
		log.Info("event=session_active")
		return nil
	case errors.Is(err, errSetupSuperseded):
		log.WithField("err", err).Info("event=setup_superseded")
		return nil
	case errors.Is(err, ErrSetupTimeout):
		log.WithField("err", err).Error("event=setup_timed_out")
		return err
	case retry.IsPermanent(err):
		log.WithField("err", err).Error("event=setup_failed permanent")
		if _, endErr := s.EndSession(context.WithoutCancel(ctx), sess.ID, "setup_failed"); endErr != nil {
			log.WithField("err", endErr).Error("event=setup_failed teardown_not_scheduled")
			return errors.Join(err, endErr)
		}
		return err
	default:
		log.WithField("err", err).Error("event=setup_failed")
		return err
	}
}

func (s *Service) runSetup(ctx context.Context, sess *model.Session, instanceID string, log logrus.FieldLogger) error {
	view, err := s.waitRunning(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := s.storeView(ctx, sess, view); err != nil {
		return fmt.Errorf("store instance view: %w", err)
	}
	if sess.State == model.SessionProvisioning {
		if err := s.transition(ctx, sess, model.SessionAwaitingNetwork, nil); err != nil {
			return err
		}
	}

	name := s.Domain(sess.ID)
	if sess.State == model.SessionAwaitingNetwork {
		if err := s.checkStillSetting(ctx, sess); err != nil {
			return err
		}
		if err := s.dns.Upsert(ctx, name, view.IPAddress); err != nil {
			return fmt.Errorf("bind dns %s: %w", name, err)
		}
		log.WithFields(logrus.Fields{"domain": name, "ip": view.IPAddress}).Info("event=dns_bound")
		if err := s.transition(ctx, sess, model.SessionBindingTLS, nil); err != nil {
			if errors.Is(err, ErrStateConflict) {
				return s.unbindIfEnded(ctx, sess.ID, name, view.IPAddress, err, log)
			}
			return err
		}
	}

	if err := s.bindTLS(ctx, name, instanceID, log); err != nil {
		return err
	}
	if err := s.sessions.UpdateFields(ctx, sess.ID, store.Fields{"tls_bound": true, "bound_address": name}); err != nil {
		return fmt.Errorf("record tls binding: %w", err)
	}
	sess.TLSBound = true
	sess.BoundAddress = name

	// Active is entered only once the instance is confirmed running again.
	view, err = s.compute.DescribeInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("confirm instance: %w", err)
	}
	if view.LifecycleState != model.InstanceRunning {
		return retry.Permanent(fmt.Errorf("instance %s is %s after tls binding", instanceID, view.LifecycleState))
	}
	if err := s.storeView(ctx, sess, view); err != nil {
		return err
	}
	return s.transition(ctx, sess, model.SessionActive, nil)
}

// errSetupSuperseded means the session moved on while this task was
// running, usually because teardown started. The task is done.
var errSetupSuperseded = errors.New("setup superseded")

// checkStillSetting re-reads the session right before a step that creates
// an external resource.
func (s *Service) checkStillSetting(ctx context.Context, sess *model.Session) error {
	fresh, err := s.getSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if fresh.EndedAt != nil || fresh.State != sess.State {
		return fmt.Errorf("%w: %s is %s", errSetupSuperseded, sess.ID, fresh.State)
	}
	return nil
}

// unbindIfEnded handles a conflict right after the A record was written.
// If teardown got there first its DNS release may already have run, so the
// record written here is removed again.
func (s *Service) unbindIfEnded(ctx context.Context, id, name, ip string, conflict error, log logrus.FieldLogger) error {
	ctx = context.WithoutCancel(ctx)
	fresh, err := s.getSession(ctx, id)
	if err != nil {
		return errors.Join(conflict, err)
	}
	if fresh.EndedAt == nil && fresh.State != model.SessionTerminating && fresh.State != model.SessionTerminated {
		return conflict
	}
	if err := s.dns.Delete(ctx, name, ip); err != nil && !errors.Is(err, dns.ErrAlreadyAbsent) {
		log.WithFields(logrus.Fields{"domain": name, "err": err}).Error("event=dns_unbind_failed")
		return errors.Join(conflict, fmt.Errorf("unbind dns %s: %w", name, err))
	}
	log.WithFields(logrus.Fields{"domain": name, "state": fresh.State}).Warn("event=dns_unbound ended_during_setup")
	return fmt.Errorf("%w: %s is %s", errSetupSuperseded, id, fresh.State)
}

// waitRunning polls until the instance is running with an address.
func (s *Service) waitRunning(ctx context.Context, instanceID string) (model.InstanceView, error) {
	policy := retry.Poll("instance_ready", s.readyPoll, s.readyTimeout)
	policy.Sleep = s.sleep
	var view model.InstanceView
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		v, err := s.compute.DescribeInstance(ctx, instanceID)
		if errors.Is(err, compute.ErrInstanceNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		switch v.LifecycleState {
		case model.InstanceRunning:
			if v.IPAddress == "" {
				return retry.ErrNotReady
			}
			view = v
			return nil
		case model.InstancePending:
			return retry.ErrNotReady
		default:
			return retry.Permanent(fmt.Errorf("instance %s is %s", instanceID, v.LifecycleState))
		}
	})
	if err == nil {
		return view, nil
	}
	if retry.IsPermanent(err) {
		return model.InstanceView{}, err
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, context.DeadlineExceeded) {
		return model.InstanceView{}, fmt.Errorf("%w: %s: %w", ErrSetupTimeout, instanceID, err)
	}
	return model.InstanceView{}, err
}

// bindTLS asks the agent to issue a certificate for name. The agent is
// reached without verification because no trusted certificate exists yet.
// Images without the certificate endpoint get the shell equivalent.
func (s *Service) bindTLS(ctx context.Context, name, instanceID string, log logrus.FieldLogger) error {
	t := agent.Target{Address: name, InstanceID: instanceID, Insecure: true}
	policy := retry.Backoff("tls_negotiation", s.tlsAttempts, time.Second, 1.5, 20*time.Second)
	policy.Sleep = s.sleep
	policy.Retryable = func(err error) bool { return !agent.IsNotFound(err) }
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.WithFields(logrus.Fields{"attempt": attempt, "delay_ms": delay.Milliseconds(), "err": err}).Warn("event=tls_negotiation_retry")
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.agent.ConfigureCertificate(ctx, t, name)
	})
	if err == nil {
		log.WithField("domain", name).Info("event=tls_bound")
		return nil
	}
	if !agent.IsNotFound(err) {
		return fmt.Errorf("negotiate tls: %w", err)
	}

	log.WithField("domain", name).Info("event=tls_shell_fallback")
	for _, cmd := range []string{
		"setprop persist.emulab.tls.domain " + name,
		"emulab-certgen regenerate",
	} {
		err := retry.Do(ctx, policy, func(ctx context.Context) error {
			results, err := s.agent.Shell(ctx, t, cmd)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.ReturnCode != 0 {
					return fmt.Errorf("%q exited %d: %s", cmd, r.ReturnCode, r.Stderr)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("negotiate tls via shell: %w", err)
		}
	}
	if err := s.sleep(ctx, s.tlsSettle); err != nil {
		return err
	}
	log.WithField("domain", name).Info("event=tls_bound")
	return nil
}
