package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/resource"
	"github.com/taskmesh/taskmesh/scheduler"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "taskmeshd",
		Short:         "taskmeshd runs one task scheduling node",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &Config{}
			if configFile != "" {
				if err := cfg.configFromFile(configFile); err != nil {
					return err
				}
			}
			applyFlagOverrides(cfg, cmd.Flags())
			cfg.adjust()
			return runDaemon(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to the TOML config file")
	flags.String("node-id", "", "unique identifier of this node")
	flags.String("addr", defaultAddr, "address the agent endpoints listen on")
	flags.String("advertise-addr", "", `address peers reach this node at (default "http://${addr}")`)
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "", "log file path; empty logs to stderr")
	return cmd
}

// applyFlagOverrides lets explicitly set flags win over file values.
func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) {
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("node-id", &cfg.NodeID)
	override("addr", &cfg.Addr)
	override("advertise-addr", &cfg.AdvertiseAddr)
	override("log-level", &cfg.LogLevel)
	override("log-file", &cfg.LogFile)
}

func runDaemon(cfg *Config) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level: cfg.LogLevel,
		File:  log.FileLogConfig{Filename: cfg.LogFile},
	})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)

	log.L().Info("starting taskmeshd", zap.String("config", cfg.String()))

	nodeID := model.NodeID(cfg.NodeID)

	res := resource.NewManager(cfg.Resource)
	defer res.Close()

	registry := agent.NewRegistry(cfg.Registry, res)
	defer registry.Close()

	comm := agent.NewComm(nodeID, cfg.AdvertiseAddr, registry, cfg.Registry.RequestTimeout)
	defer comm.Close()

	sched := scheduler.New(nodeID, cfg.Scheduler, res, comm)
	defer sched.Stop()

	agentSrv := agent.NewServer(nodeID, cfg.Capabilities, sched, res, comm, simulatedWork)
	defer agentSrv.Close()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: agentSrv.Handler()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.L().Info("got signal, exiting", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		log.L().Info("agent endpoints listening", zap.String("addr", cfg.Addr))
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return relayCriticalAlerts(ctx, res, comm)
	})

	return g.Wait()
}

// relayCriticalAlerts forwards local critical resource alerts to every
// active peer so they can discount this node in their cluster view.
func relayCriticalAlerts(ctx context.Context, res *resource.Manager, comm *agent.Comm) error {
	events := res.Events()
	defer events.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events.C:
			if !ok {
				return nil
			}
			if ev.Name != resource.EventAlert || ev.Alert.Level != resource.AlertCritical {
				continue
			}
			encoded, err := json.Marshal(&ev.Alert)
			if err != nil {
				log.L().Warn("failed to encode alert", zap.Error(err))
				continue
			}
			comm.ReportAlert(ctx, encoded)
		}
	}
}

// simulatedWork is the stock work handler: the payload is interpreted
// as a duration to stay busy for. Deployments embedding taskmesh as a
// library supply their own handler.
func simulatedWork(ctx context.Context, task agent.IncomingTask) error {
	if task.Payload == "" {
		return nil
	}
	d, err := time.ParseDuration(task.Payload)
	if err != nil {
		return err
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
