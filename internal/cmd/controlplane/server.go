package controlplane

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/sentinelproxy/sentinel-cp/internal/api"
	"github.com/sentinelproxy/sentinel-cp/internal/broadcast"
	"github.com/sentinelproxy/sentinel-cp/internal/bundle"
	"github.com/sentinelproxy/sentinel-cp/internal/config"
	"github.com/sentinelproxy/sentinel-cp/internal/dispatcher"
	"github.com/sentinelproxy/sentinel-cp/internal/drift"
	"github.com/sentinelproxy/sentinel-cp/internal/metrics"
	"github.com/sentinelproxy/sentinel-cp/internal/objectstore"
	"github.com/sentinelproxy/sentinel-cp/internal/registry"
	"github.com/sentinelproxy/sentinel-cp/internal/rollout"
	"github.com/sentinelproxy/sentinel-cp/internal/store"
	"github.com/sentinelproxy/sentinel-cp/internal/store/bolt"
	"github.com/sentinelproxy/sentinel-cp/internal/store/sqlstore"
	"github.com/sentinelproxy/sentinel-cp/internal/token"
	"github.com/sentinelproxy/sentinel-cp/internal/validator"
	"github.com/sentinelproxy/sentinel-cp/internal/webhook"
	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// Server owns the wired control plane. Components are constructed in
// dependency order by NewServer; Run starts the listeners, the dispatcher
// and the periodic schedule, and unwinds them on context cancellation.
type Server struct {
	cfg    *config.Config
	log    logr.Logger
	store  store.Interface
	disp   *dispatcher.Dispatcher
	api    http.Handler
	mgmt   http.Handler
	closed bool
}

// NewServer builds every component from the configuration. The returned
// server holds the open store; callers must Close it when Run returns.
func NewServer(ctx context.Context, cfg *config.Config, logger logr.Logger) (*Server, error) {
	clk := clock.RealClock{}
	m := metrics.New()

	st, ready, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	objects, fsStore, err := openObjectStore(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tokens, err := token.New(st, clk, cfg.Node.TokenTTL.Duration, cfg.Auth.KeyEncryptionSecret)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	disp := dispatcher.New(st, m, clk, logger, cfg.Dispatcher.Workers, cfg.Dispatcher.MaxAttempts)
	casts := broadcast.New()
	notifier := webhook.NewNotifier(st, disp, casts, clk, logger, cfg.Webhook.MaxAttempts)

	rollouts := rollout.New(rollout.Deps{
		Store:    st,
		Jobs:     disp,
		Notifier: notifier,
		Prober:   rollout.NewHTTPProber(),
		Metrics:  m,
		Clock:    clk,
		Log:      logger,
	}, rollout.Options{
		TickInterval:           cfg.Rollout.TickInterval.Duration,
		DefaultStepDeadline:    cfg.Rollout.DefaultStepDeadline.Duration,
		RelaxedZeroUnavailable: cfg.Rollout.RelaxedZeroUnavailable,
		SystemUserID:           cfg.Auth.SystemUserID,
	})

	drifts := drift.New(drift.Deps{
		Store:      st,
		Remediator: rollouts,
		Notifier:   notifier,
		Metrics:    m,
		Clock:      clk,
		Log:        logger,
	}, drift.Options{
		RemediationCooldown: cfg.Drift.RemediationCooldown.Duration,
	})

	nodes := registry.New(registry.Deps{
		Store:    st,
		Objects:  objects,
		Drift:    drifts,
		Notifier: notifier,
		Metrics:  m,
		Clock:    clk,
		Log:      logger,
	}, registry.Options{
		StaleThreshold: cfg.Node.StaleThreshold.Duration,
		PollInterval:   cfg.Node.PollInterval.Duration,
		DownloadTTL:    cfg.Node.DownloadURLTTL.Duration,
		HeartbeatKeep:  cfg.Node.HeartbeatRetention,
		EventKeep:      cfg.Node.EventRetention,
	})

	var val validator.Validator = validator.Noop{}
	if len(cfg.Compiler.ValidatorCommand) > 0 {
		val = validator.NewExec(cfg.Compiler.ValidatorCommand, durations.ValidatorTimeout)
	}

	bundles := bundle.New(bundle.Deps{
		Store:     st,
		Objects:   objects,
		Validator: val,
		Signer:    tokens,
		Fetcher:   bundle.NewGitFetcher(durations.GitFetchTimeout),
		Queue:     disp,
		Notifier:  notifier,
		Metrics:   m,
		Clock:     clk,
		Log:       logger,
	}, bundle.Options{
		Compression: cfg.Compiler.Compression,
		Sign:        cfg.Compiler.Sign,
		DownloadTTL: cfg.Node.DownloadURLTTL.Duration,
	})

	deliverer := webhook.NewDeliverer(st, m, logger, cfg.Webhook.Timeout.Duration)

	disp.Register(dispatcher.KindCompileBundle, bundles.HandleCompile)
	disp.Register(dispatcher.KindPlanRollout, rollouts.HandlePlan)
	disp.Register(dispatcher.KindTickRollout, rollouts.HandleTick)
	disp.Register(dispatcher.KindScheduledRollouts, rollouts.HandleScheduled)
	disp.Register(dispatcher.KindLivenessSweep, nodes.HandleLivenessSweep)
	disp.Register(dispatcher.KindHeartbeatCleanup, nodes.HandleHeartbeatCleanup)
	disp.Register(dispatcher.KindEventCleanup, nodes.HandleEventCleanup)
	disp.Register(dispatcher.KindDriftScan, drifts.HandleScan)
	disp.Register(dispatcher.KindDeliverWebhook, deliverer.Deliver)

	srv := api.New(api.Deps{
		Store:    st,
		Bundles:  bundles,
		Registry: nodes,
		Rollouts: rollouts,
		Drift:    drifts,
		Tokens:   tokens,
		Metrics:  m,
		Clock:    clk,
		Log:      logger,
		Ready:    ready,
	})

	handler := srv.Routes()
	if fsStore != nil {
		// Presigned URLs from the fs driver point back at this process;
		// S3 URLs resolve at the bucket and skip this mount.
		r := chi.NewRouter()
		r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", fsStore.Downloads(clk)))
		r.Mount("/", handler)
		handler = r
	}

	return &Server{
		cfg:   cfg,
		log:   logger.WithName("server"),
		store: st,
		disp:  disp,
		api:   handler,
		mgmt:  srv.Management(),
	}, nil
}

// Run blocks until ctx is canceled or a component fails, then drains the
// listeners and the dispatcher within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	stopCron, err := s.disp.StartCron()
	if err != nil {
		return fmt.Errorf("starting periodic schedule: %w", err)
	}
	defer stopCron()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.disp.Run(ctx) })
	g.Go(func() error { return s.listen(ctx, "api", s.cfg.Listen.API, s.api) })
	g.Go(func() error { return s.listen(ctx, "management", s.cfg.Listen.Management, s.mgmt) })
	return g.Wait()
}

// listen serves handler on addr until ctx is canceled, then drains in-flight
// requests within the grace period.
func (s *Server) listen(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: durations.ReadHeaderTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "listener", name, "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), durations.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("draining %s listener: %w", name, err)
	}
	return nil
}

// Close releases the store. Safe to call after Run returns; not
// concurrently with it.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

// openStore opens the configured store driver and returns it with the
// readiness probe the management listener should use. The postgres driver
// migrates on open so a fresh database serves without a separate migrate
// run; the migrate subcommand still exists for pipelines that split the
// steps.
func openStore(ctx context.Context, cfg *config.Config) (store.Interface, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case "bolt":
		st, err := bolt.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return st, nil, nil
	case "postgres":
		st, err := sqlstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("migrating schema: %w", err)
		}
		return st, st.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
}

// openObjectStore opens the artifact store. The *FS second return is non-nil
// only for the fs driver, whose presigned URLs the API listener must serve.
func openObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, *objectstore.FS, error) {
	switch cfg.ObjectStore.Driver {
	case "fs":
		fs, err := objectstore.NewFS(cfg.ObjectStore.FS.Dir, cfg.ObjectStore.FS.BaseURL, cfg.ObjectStore.FS.Secret)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	case "s3":
		s3, err := objectstore.NewS3(ctx, objectstore.S3Options{
			Bucket:          cfg.ObjectStore.S3.Bucket,
			Region:          cfg.ObjectStore.S3.Region,
			Endpoint:        cfg.ObjectStore.S3.Endpoint,
			UsePathStyle:    cfg.ObjectStore.S3.UsePathStyle,
			AccessKeyID:     cfg.ObjectStore.S3.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening s3 store: %w", err)
		}
		return s3, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown object_store.driver %q", cfg.ObjectStore.Driver)
	}
}
