// Command sentryhub runs the hub process: the server-side agent runner, its
// WebSocket control plane, the scheduler, the push manager, and the viewport
// streaming socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flomonster/sentryhub/internal/artifacts"
	"github.com/flomonster/sentryhub/internal/cron"
	"github.com/flomonster/sentryhub/internal/hooks"
	"github.com/flomonster/sentryhub/internal/hub"
	"github.com/flomonster/sentryhub/internal/observability"
	"github.com/flomonster/sentryhub/internal/push"
	"github.com/flomonster/sentryhub/internal/relay"
	"github.com/flomonster/sentryhub/internal/state"
	"github.com/flomonster/sentryhub/internal/viewport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sentryhub:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		listen     = flag.String("listen", "", "override listen address")
		dataDir    = flag.String("data-dir", "", "override data directory")
	)
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	obsLogger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	logger := obsLogger.Slog()
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Insecure:   cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	// hook pipeline, optionally fed and hot-reloaded from a rules file
	pipeline := hooks.NewPipeline(nil, logger)
	if cfg.HookRulesFile != "" {
		if err := hooks.LoadRulesFile(pipeline, cfg.HookRulesFile); err != nil {
			return err
		}
		stopWatch, err := hooks.WatchRulesFile(pipeline, cfg.HookRulesFile)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	broker := relay.New(pipeline, logger)
	states := state.NewManager(broker, logger)

	pushMgr, err := push.NewManager(cfg.DataDir, cfg.VAPIDSubject,
		push.WithLogger(logger),
		push.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	runner := hub.NewRunner(
		hub.WithStateManager(states),
		hub.WithLogger(logger),
		hub.WithBrowserToolRouter(hub.NewBrowserToolRouter(broker, 0)),
		hub.WithNotifyPush(func(hubAgentID, message string) {
			_ = pushMgr.SendPush(ctx, push.Payload{
				Title: "flo.monster",
				Body:  message,
				Tag:   "agent-" + hubAgentID,
			})
		}),
	)

	var offloader *artifacts.Offloader
	if cfg.Artifacts.Bucket != "" {
		s3Store, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:          cfg.Artifacts.Bucket,
			Region:          cfg.Artifacts.Region,
			Endpoint:        cfg.Artifacts.Endpoint,
			Prefix:          cfg.Artifacts.Prefix,
			AccessKeyID:     cfg.Artifacts.AccessKeyID,
			SecretAccessKey: cfg.Artifacts.SecretAccessKey,
			UsePathStyle:    cfg.Artifacts.UsePathStyle,
		})
		if err != nil {
			return err
		}
		offloader = artifacts.NewOffloader(s3Store, cfg.Artifacts.InlineLimit)
	}

	transport := &hub.HTTPTransport{BaseURL: cfg.UpstreamBaseURL}
	loop := hub.NewLoop(runner, transport,
		hub.WithLoopHooks(pipeline),
		hub.WithLoopLogger(logger),
		hub.WithLoopMetrics(metrics),
		hub.WithLoopTracer(tracer),
		hub.WithLoopArtifactOffloader(offloader),
	)
	runner.AddListener(func(hubAgentID, eventType string, payload any) {
		if eventType != "user_message" {
			return
		}
		// SendMessage already queued the turn onto the conversation; pick it
		// up unless a loop is mid-flight (the busy flag), in which case the
		// queued turn is consumed by the running loop's next request.
		if runner.IsBusy(hubAgentID) {
			return
		}
		go func() {
			if err := loop.Continue(ctx, hubAgentID); err != nil {
				logger.Warn("agent loop ended with error", "agent", hubAgentID, "error", err)
			}
		}()
	})

	scheduler := cron.NewHubScheduler(runner,
		cron.WithHubSchedulerLogger(logger),
		cron.WithHubSchedulerTickInterval(cfg.Scheduler.TickInterval),
		cron.WithHubSchedulerMetrics(metrics),
	)

	// optional Postgres persistence of sessions and schedules
	var store *hub.SessionStore
	if cfg.DatabaseDSN != "" {
		store, err = hub.NewSessionStore(hub.SessionStoreConfig{DSN: cfg.DatabaseDSN})
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.LoadScheduleEntries(ctx)
		if err != nil {
			return err
		}
		scheduler.Restore(entries)

		defer func() {
			persistCtx := context.Background()
			if err := store.SaveScheduleEntries(persistCtx, scheduler.Serialize()); err != nil {
				logger.Warn("persisting schedule entries failed", "error", err)
			}
			for _, summary := range runner.ListSummaries() {
				session, err := runner.Snapshot(summary.HubAgentID)
				if err != nil {
					continue
				}
				if err := store.SaveSession(persistCtx, session); err != nil {
					logger.Warn("persisting session failed", "agent", summary.HubAgentID, "error", err)
				}
			}
		}()
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()

	tokens := viewport.NewTokenStore(cfg.Viewport.TokenTTL)
	viewportSrv := viewport.NewServer(tokens,
		viewport.WithMaxConnections(cfg.Viewport.MaxConnections),
		viewport.WithLogger(logger),
	)
	if err := viewportSrv.Listen(cfg.Viewport.Port); err != nil {
		return err
	}
	defer viewportSrv.Close()
	logger.Info("viewport streamer listening", "addr", viewportSrv.Addr())

	if cfg.Viewport.CaptureURL != "" {
		quality := cfg.Viewport.CaptureQuality
		if quality <= 0 {
			quality = 70
		}
		capturer := viewport.NewCapturer(cfg.Viewport.CaptureURL,
			viewport.WithCaptureQuality(quality),
			viewport.WithCaptureLogger(logger),
		)
		agentID := cfg.Viewport.CaptureAgentID
		go func() {
			err := capturer.Run(ctx, func(frameNum uint32, jpeg []byte) {
				header := viewport.FrameHeader{FrameNum: frameNum, Quality: uint8(quality)}
				if sent := viewportSrv.BroadcastFrame(agentID, header, jpeg); sent > 0 {
					metrics.RecordViewportFrame(len(jpeg))
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("viewport capture stopped", "error", err)
			}
		}()
	}

	protocol := hub.NewServer(runner, broker, states, pushMgr, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", protocol)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	logger.Info("hub listening", "addr", cfg.Listen)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
