package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/cache"
	"github.com/sells-group/compete-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server and job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		svc := &runService{store: env.Store, orch: env.Orchestrator}
		collector := monitoring.NewCollector(env.Store, env.Breakers)

		srv := &server{
			runs:          svc,
			store:         env.Store,
			preflight:     env.Pipeline.Preflight,
			breakers:      env.Breakers,
			collector:     collector,
			lookbackHours: cfg.Monitoring.LookbackWindowHours,
		}

		scheduler := cron.New()
		if env.Cache != nil && cfg.Cache.PurgeSchedule != "" {
			if _, err := scheduler.AddFunc(cfg.Cache.PurgeSchedule, func() { purgeCache(ctx, env.Cache) }); err != nil {
				return eris.Wrapf(err, "schedule cache purge %q", cfg.Cache.PurgeSchedule)
			}
			zap.L().Info("cache purge scheduled", zap.String("schedule", cfg.Cache.PurgeSchedule))
		}
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			if _, err := checker.Schedule(ctx, scheduler); err != nil {
				return err
			}
		}
		scheduler.Start()
		defer scheduler.Stop()

		var wg sync.WaitGroup
		interval := time.Duration(cfg.Server.PollIntervalSecs) * time.Second
		for i := 0; i < cfg.Server.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				svc.work(ctx, id, interval)
			}(i + 1)
		}
		defer wg.Wait()

		port := resolvePort(servePort, cfg.Server.Port)
		err = startServer(ctx, srv.routes(cfg.Server.CORSOrigins), port)
		stop()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag port when set, otherwise the config port.
func resolvePort(flagPort, configPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return configPort
}

// startServer serves handler on port until ctx is done, then shuts down
// gracefully. Write timeouts are left unset so event streams can run for
// the whole analysis.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func purgeCache(ctx context.Context, c cache.Cache) {
	n, err := c.Purge(ctx)
	if err != nil {
		zap.L().Warn("cache purge failed", zap.Error(err))
		return
	}
	zap.L().Info("cache purged", zap.Int("removed", n))
}
