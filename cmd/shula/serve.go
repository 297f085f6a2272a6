package main

import (
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shilomagen/shula-sub000/internal/cache"
	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/groupflow"
	"github.com/shilomagen/shula-sub000/internal/inbound"
	"github.com/shilomagen/shula-sub000/internal/logutil"
	"github.com/shilomagen/shula-sub000/internal/outbound"
	"github.com/shilomagen/shula-sub000/internal/queue"
	"github.com/shilomagen/shula-sub000/internal/runtime"
	"github.com/shilomagen/shula-sub000/internal/session"
	"github.com/shilomagen/shula-sub000/internal/statepaths"
	"github.com/shilomagen/shula-sub000/internal/status"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session core against the browser-automation bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			rt, err := buildRuntime(logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("serve_shutdown_begin")
			return rt.Close()
		},
	}
	return cmd
}

func buildRuntime(logger *slog.Logger) (*runtime.Runtime, error) {
	bridgeURL := strings.TrimSpace(viper.GetString("bridge.url"))
	if bridgeURL == "" {
		return nil, fmt.Errorf("missing bridge.url (set via config or %s_BRIDGE_URL)", envPrefix)
	}

	bridge, err := driver.NewBridge(driver.BridgeOptions{
		URL:         bridgeURL,
		Token:       viper.GetString("bridge.token"),
		CallTimeout: viper.GetDuration("bridge.call_timeout"),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	store, err := queue.NewStoreFromConfig(queue.StoreConfig{
		Backend: viper.GetString("queue.backend"),
		DSN:     viper.GetString("queue.dsn"),
	})
	if err != nil {
		return nil, err
	}
	q := queue.New(store, logger,
		queue.WithDeadLetterLimit(viper.GetInt("queue.dead_letter_limit")),
		queue.WithDeadLetterJournal(statepaths.DeadLetterPath()),
	)

	c := cache.New()

	reporter, err := reporterFromViper(logger)
	if err != nil {
		return nil, err
	}

	mgr := session.NewManager(bridge, reporter, logger, session.Config{
		ProbeInterval:       viper.GetDuration("session.probe_interval"),
		ProbeTimeout:        viper.GetDuration("session.probe_timeout"),
		BackoffBase:         viper.GetDuration("session.backoff_base"),
		BackoffMax:          viper.GetDuration("session.backoff_max"),
		EscalationThreshold: viper.GetInt("session.escalation_threshold"),
	})

	correlations := outbound.NewFileCorrelationStore(statepaths.CorrelationsPath())
	worker := outbound.NewWorker(bridge, correlations, logger, outbound.Config{
		SendInterval: viper.GetDuration("outbound.send_interval"),
	})

	backend, err := backendFromViper(logger)
	if err != nil {
		return nil, err
	}
	flow := groupflow.New(bridge, backend, q, logger, groupflow.Config{
		SelfID: viper.GetString("session.self_id"),
	})

	pipeline := inbound.New(bridge, c, q, logger, inbound.Config{
		SelfID:            viper.GetString("session.self_id"),
		DedupWindow:       viper.GetDuration("inbound.dedup_window"),
		GroupSyncCooldown: viper.GetDuration("inbound.group_sync_cooldown"),
		Workers:           viper.GetInt("inbound.workers"),
	}, inbound.WithSelfRemovedHook(flow.OnGroupRemoved))

	downstream, err := downstreamFromViper(logger)
	if err != nil {
		return nil, err
	}

	return runtime.New(runtime.Dependencies{
		Logger:           logger,
		Bridge:           bridge,
		Queue:            q,
		Cache:            c,
		Session:          mgr,
		Pipeline:         pipeline,
		Outbound:         worker,
		Flow:             flow,
		Downstream:       downstream,
		EventConcurrency: viper.GetInt("queue.event_concurrency"),
		StatusAddr:       statusAddrFromViper(),
	})
}

func reporterFromViper(logger *slog.Logger) (status.Reporter, error) {
	reporters := status.MultiReporter{status.LogReporter{Logger: logger}}
	if url := strings.TrimSpace(viper.GetString("status.webhook_url")); url != "" {
		webhook, err := status.NewWebhookReporter(nil, url, logger)
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, webhook)
	}
	return reporters, nil
}

func backendFromViper(logger *slog.Logger) (groupflow.Backend, error) {
	url := strings.TrimSpace(viper.GetString("backend.url"))
	if url == "" {
		logger.Warn("backend_url_unset", "effect", "group removals only logged")
		return groupflow.NopBackend{Logger: logger}, nil
	}
	return groupflow.NewHTTPBackend(url, viper.GetString("backend.token"), nil)
}

func downstreamFromViper(logger *slog.Logger) (runtime.Downstream, error) {
	url := strings.TrimSpace(viper.GetString("downstream.url"))
	if url == "" {
		logger.Warn("downstream_url_unset", "effect", "events only logged")
		return runtime.LogDownstream{Logger: logger}, nil
	}
	return runtime.NewHTTPDownstream(url, viper.GetString("downstream.token"), nil)
}

func statusAddrFromViper() string {
	bind := strings.TrimSpace(viper.GetString("server.bind"))
	if bind == "" {
		bind = "127.0.0.1"
	}
	port := viper.GetInt("server.port")
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort(bind, strconv.Itoa(port))
}
