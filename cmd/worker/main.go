package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/emulab-control-plane/internal/app"
	"github.com/telemyapp/emulab-control-plane/internal/config"
	"github.com/telemyapp/emulab-control-plane/internal/logging"
	"github.com/telemyapp/emulab-control-plane/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("init logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("event=startup_failed")
	}
	defer a.Close()

	runner := worker.NewRunner(a.Sessions, worker.RunnerOptions{
		Inactivity:        time.Duration(cfg.InactivityMinutes) * time.Minute,
		SweepInterval:     cfg.SweepInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		Logger:            log,
	})
	consumers := []*worker.Consumer{
		worker.NewConsumer(worker.ConsumerOptions{
			Queue:       a.Queue,
			Name:        cfg.SetupQueue,
			Handler:     worker.SetupHandler(a.Sessions, log),
			Logger:      log,
			Concurrency: cfg.WorkerConcurrency,
		}),
		worker.NewConsumer(worker.ConsumerOptions{
			Queue:       a.Queue,
			Name:        cfg.TerminationQueue,
			Handler:     worker.TerminationHandler(a.Sessions),
			Logger:      log,
			Concurrency: cfg.WorkerConcurrency,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}

	log.Info("event=worker_started")
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("event=worker_failed")
		return
	}
	log.Info("event=worker_stopped")
}
