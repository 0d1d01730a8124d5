// Package device turns high-level intents into ordered device agent calls.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/agent"
	"github.com/telemyapp/emulab-control-plane/internal/blob"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
	"github.com/telemyapp/emulab-control-plane/internal/store"
)

var (
	ErrNoAddress           = errors.New("session has no bound device address")
	ErrApplicationNotFound = errors.New("application not found")
)

const (
	rootAccessProperty = "persist.sys.root_access"
	rootElevated       = "3"
	rootRevoked        = "0"
	// toggleRepeats absorbs commands the device silently drops.
	toggleRepeats = 3
)

// StepFailure is one best-effort step that did not complete.
type StepFailure struct {
	Step string `json:"step"`
	Err  string `json:"error"`
}

// Report lists the steps of an intent that failed without aborting it.
type Report struct {
	Failed []StepFailure `json:"failed_steps"`
}

func (r *Report) OK() bool { return len(r.Failed) == 0 }

type Options struct {
	Agent        agent.DeviceAgent
	Images       store.Collection[model.CatalogImage]
	Applications store.Collection[model.Application]
	Recordings   store.Collection[model.Recording]
	Blob         blob.Store
	Bucket       string
	Logger       logrus.FieldLogger
	// TempDir holds recordings while they move from device to blob store.
	TempDir string
	// StopSettle is the pause between interrupting the recorder and
	// clearing the stop flag.
	StopSettle time.Duration
	Sleep      func(context.Context, time.Duration) error
	Now        func() time.Time
}

type Coordinator struct {
	agent        agent.DeviceAgent
	images       store.Collection[model.CatalogImage]
	applications store.Collection[model.Application]
	recordings   store.Collection[model.Recording]
	blob         blob.Store
	bucket       string
	log          logrus.FieldLogger
	tempDir      string
	stopSettle   time.Duration
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		agent:        opts.Agent,
		images:       opts.Images,
		applications: opts.Applications,
		recordings:   opts.Recordings,
		blob:         opts.Blob,
		bucket:       opts.Bucket,
		log:          opts.Logger,
		tempDir:      opts.TempDir,
		stopSettle:   opts.StopSettle,
		sleep:        opts.Sleep,
		now:          opts.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.stopSettle <= 0 {
		c.stopSettle = 2 * time.Second
	}
	if c.sleep == nil {
		c.sleep = retry.Sleep
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

func targetOf(sess model.Session) (agent.Target, error) {
	if sess.BoundAddress == "" || sess.InstanceID() == "" {
		return agent.Target{}, ErrNoAddress
	}
	return agent.Target{Address: sess.BoundAddress, InstanceID: sess.InstanceID()}, nil
}

func (c *Coordinator) logger(sess model.Session) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{"session_id": sess.ID, "instance_id": sess.InstanceID()})
}

func (c *Coordinator) SetKioskMode(ctx context.Context, sess model.Session, enabled bool) error {
	t, err := targetOf(sess)
	if err != nil {
		return err
	}
	if err := c.agent.SetKiosk(ctx, t, enabled); err != nil {
		return fmt.Errorf("set kiosk %t: %w", enabled, err)
	}
	c.logger(sess).WithField("enabled", enabled).Info("event=kiosk_set")
	return nil
}

// SetNetworkAccess toggles mobile data and wifi. Root access is elevated
// for the toggles only and is revoked on every path out of this call.
func (c *Coordinator) SetNetworkAccess(ctx context.Context, sess model.Session, enabled bool) (err error) {
	t, err := targetOf(sess)
	if err != nil {
		return err
	}
	log := c.logger(sess).WithField("enabled", enabled)

	defer func() {
		if rerr := c.revokeRoot(ctx, t); rerr != nil {
			log.WithField("err", rerr).Error("event=root_revoke_failed")
			err = errors.Join(err, rerr)
		}
	}()
	if err := c.shell(ctx, t, "setprop "+rootAccessProperty+" "+rootElevated); err != nil {
		return fmt.Errorf("elevate root access: %w", err)
	}

	verb := "disable"
	if enabled {
		verb = "enable"
	}
	var toggleErrs []error
	for _, iface := range []string{"data", "wifi"} {
		cmd := "svc " + iface + " " + verb
		failures := 0
		for i := 0; i < toggleRepeats; i++ {
			if err := c.shell(ctx, t, cmd); err != nil {
				failures++
				log.WithFields(logrus.Fields{"command": cmd, "attempt": i + 1, "err": err}).Warn("event=network_toggle_failed")
			}
		}
		if failures == toggleRepeats {
			toggleErrs = append(toggleErrs, fmt.Errorf("%s: every attempt failed", cmd))
		}
	}
	if err := c.agent.SetBaseband(ctx, t, enabled); err != nil {
		log.WithField("err", err).Warn("event=baseband_toggle_failed")
	}
	if len(toggleErrs) > 0 {
		return errors.Join(toggleErrs...)
	}
	log.Info("event=network_access_set")
	return nil
}

func (c *Coordinator) revokeRoot(ctx context.Context, t agent.Target) error {
	// Revocation must run even when the caller's context is already done.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	policy := retry.Backoff("root_revoke", 3, 500*time.Millisecond, 2, 2*time.Second)
	policy.Sleep = c.sleep
	return retry.Do(rctx, policy, func(callCtx context.Context) error {
		return c.shell(callCtx, t, "setprop "+rootAccessProperty+" "+rootRevoked)
	})
}

type StartOptions struct {
	VirtualKeyboard bool
}

// StartGame prepares the device for one application and starts recording.
// Only application lookup and address resolution abort; every other step
// is attempted and reported.
func (c *Coordinator) StartGame(ctx context.Context, sess model.Session, applicationID string, opts StartOptions) (Report, error) {
	app, err := c.applications.GetByID(ctx, applicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Report{}, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
		}
		return Report{}, err
	}
	t, err := targetOf(sess)
	if err != nil {
		return Report{}, err
	}
	log := c.logger(sess).WithField("application_id", app.ID)

	keyboard := "0"
	if opts.VirtualKeyboard {
		keyboard = "1"
	}
	var report Report
	c.step(ctx, log, &report, "orientation", func(ctx context.Context) error {
		return c.agent.SetOrientation(ctx, t, orientationOf(app.Orientation))
	})
	c.step(ctx, log, &report, "virtual_keyboard", func(ctx context.Context) error {
		return c.shell(ctx, t, "settings put secure show_ime_with_hard_keyboard "+keyboard)
	})
	c.step(ctx, log, &report, "network_access", func(ctx context.Context) error {
		return c.SetNetworkAccess(ctx, sess, app.NetworkEnabled)
	})
	c.step(ctx, log, &report, "launch", func(ctx context.Context) error {
		return c.shell(ctx, t, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", app.PackageName))
	})
	c.step(ctx, log, &report, "kiosk", func(ctx context.Context) error {
		return c.agent.SetKiosk(ctx, t, true)
	})
	c.step(ctx, log, &report, "start_recording", func(ctx context.Context) error {
		_, err := c.StartRecording(ctx, sess, app.ID)
		return err
	})
	log.WithField("failed_steps", len(report.Failed)).Info("event=game_started")
	return report, nil
}

// StopGame undoes StartGame. Every step is attempted.
func (c *Coordinator) StopGame(ctx context.Context, sess model.Session) (Report, error) {
	t, err := targetOf(sess)
	if err != nil {
		return Report{}, err
	}
	log := c.logger(sess)

	var report Report
	c.step(ctx, log, &report, "stop_recording", func(ctx context.Context) error {
		return c.StopRecording(ctx, sess)
	})
	c.step(ctx, log, &report, "force_stop_apps", func(ctx context.Context) error {
		return c.shell(ctx, t, "pm list packages -3 | cut -f 2 -d ':' | while read line; do am force-stop $line; done")
	})
	c.step(ctx, log, &report, "kiosk", func(ctx context.Context) error {
		return c.agent.SetKiosk(ctx, t, false)
	})
	c.step(ctx, log, &report, "network_access", func(ctx context.Context) error {
		return c.SetNetworkAccess(ctx, sess, true)
	})
	c.step(ctx, log, &report, "orientation", func(ctx context.Context) error {
		return c.agent.SetOrientation(ctx, t, agent.Vertical)
	})
	log.WithField("failed_steps", len(report.Failed)).Info("event=game_stopped")
	return report, nil
}

func (c *Coordinator) step(ctx context.Context, log logrus.FieldLogger, r *Report, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.WithFields(logrus.Fields{"step": name, "err": err}).Warn("event=device_step_failed")
		r.Failed = append(r.Failed, StepFailure{Step: name, Err: err.Error()})
	}
}

// shell runs one command and treats a non-zero exit status as failure.
func (c *Coordinator) shell(ctx context.Context, t agent.Target, cmd string) error {
	results, err := c.agent.Shell(ctx, t, cmd)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.ReturnCode != 0 {
			return fmt.Errorf("%q exited %d: %s", cmd, r.ReturnCode, r.Stderr)
		}
	}
	return nil
}

func orientationOf(o model.Orientation) agent.Orientation {
	if o == model.OrientationHorizontal {
		return agent.Horizontal
	}
	return agent.Vertical
}
