// Package worker runs the background side of the control plane: the
// periodic sweep and reconcile jobs and the setup and termination queue
// consumers.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/session"
)

type Jobs interface {
	InactivitySweep(ctx context.Context, threshold time.Duration) (int, error)
	Reconcile(ctx context.Context) (session.ReconcileReport, error)
}

type RunnerOptions struct {
	Inactivity        time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	Logger            logrus.FieldLogger
}

type Runner struct {
	jobs              Jobs
	log               logrus.FieldLogger
	inactivity        time.Duration
	sweepInterval     time.Duration
	reconcileInterval time.Duration
	now               func() time.Time
}

func NewRunner(jobs Jobs, opts RunnerOptions) *Runner {
	r := &Runner{
		jobs:              jobs,
		log:               opts.Logger,
		inactivity:        opts.Inactivity,
		sweepInterval:     opts.SweepInterval,
		reconcileInterval: opts.ReconcileInterval,
		now:               time.Now,
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	if r.inactivity <= 0 {
		r.inactivity = 15 * time.Minute
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = time.Minute
	}
	if r.reconcileInterval <= 0 {
		r.reconcileInterval = 2 * time.Minute
	}
	return r
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runEvery(ctx, "inactivity_sweep", r.sweepInterval, r.sweep)
	}()
	go func() {
		defer wg.Done()
		r.runEvery(ctx, "reconcile", r.reconcileInterval, r.reconcile)
	}()
	wg.Wait()
}

func (r *Runner) sweep(ctx context.Context) error {
	n, err := r.jobs.InactivitySweep(ctx, r.inactivity)
	if n > 0 {
		r.log.WithField("scheduled", n).Info("event=inactive_sessions_scheduled")
	}
	return err
}

func (r *Runner) reconcile(ctx context.Context) error {
	report, err := r.jobs.Reconcile(ctx)
	if report != (session.ReconcileReport{}) {
		r.log.WithFields(logrus.Fields{
			"setup_retried":         report.SetupRetried,
			"setup_abandoned":       report.SetupAbandoned,
			"instances_reaped":      report.InstancesReaped,
			"terminations_requeued": report.TerminationsRequeued,
			"records_released":      report.RecordsReleased,
		}).Info("event=reconcile_applied")
	}
	return err
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := r.now()
	err := fn(ctx)
	durMs := float64(r.now().Sub(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	log := r.log.WithFields(logrus.Fields{"job": name, "duration_ms": int64(durMs)})
	if err != nil {
		log.WithError(err).Error("metric=job_run status=error")
		labels["status"] = "error"
		metrics.Default().IncCounter("emulab_job_runs_total", labels)
		metrics.Default().ObserveHistogram("emulab_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	log.Debug("metric=job_run status=ok")
	labels["status"] = "ok"
	metrics.Default().IncCounter("emulab_job_runs_total", labels)
	metrics.Default().ObserveHistogram("emulab_job_duration_ms", durMs, map[string]string{"job": name})
}
