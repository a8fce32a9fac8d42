package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"icsuntis/internal/cache"
	"icsuntis/internal/config"
	"icsuntis/internal/feed"
	"icsuntis/internal/ics"
	appLog "icsuntis/internal/log"
	"icsuntis/internal/metrics"
	"icsuntis/internal/scheduler"
	"icsuntis/internal/timetable"
	"icsuntis/internal/web"
	"icsuntis/internal/webuntis"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	out        string
}

func main() {
	flags := parseFlags()

	if err := run(flags); err != nil {
		appLog.Error("icsuntis failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "", "Path to YAML config file (default $"+config.EnvConfigPath+")")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Generate the calendar once with the configured credentials and exit")
	flag.StringVar(&cfg.out, "out", "", "With -once, write the calendar here instead of stdout")

	flag.Parse()

	return cfg
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.Setup(conf.LogLevel, conf.LogFormat)

	appLog.Info("icsuntis starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"cache_ttl", conf.CacheTTL.String(),
		"range_past_months", conf.RangePastMonths,
		"range_future_months", conf.RangeFutureMonths,
		"refresh", conf.Refresh,
		"webuntis_server", conf.WebUntisServer,
		"webuntis_school", conf.WebUntisSchool,
		"remap_file", conf.RemapFile,
		"admin_auth", conf.AdminAuthEnabled(),
		"once", flags.once,
	)

	resolver, err := timetable.NewResolver(conf.Timezone)
	if err != nil {
		return err
	}

	remapFile := config.NewRemapFile(conf.RemapFile)
	tables, err := remapFile.Load(conf.Remap)
	if err != nil {
		return err
	}

	m := metrics.New()
	asm := feed.New(
		webuntis.NewClient(webuntis.WithClientName(conf.WebUntisClient)),
		ics.NewEncoder(resolver.Location().String()),
		cache.New(conf.CacheTTL),
		timetable.NewRemapTable(tables),
		resolver,
		feed.WithMetrics(m),
		feed.WithRemapStore(remapFile),
		feed.WithRange(conf.RangePastMonths, conf.RangeFutureMonths),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		return runOnce(ctx, asm, conf.Credentials(), flags.out)
	}
	return serve(ctx, conf, asm, m, resolver)
}

// runOnce generates a single calendar and writes it to out or stdout.
func runOnce(ctx context.Context, asm *feed.Assembler, creds webuntis.Credentials, out string) error {
	res, err := asm.Calendar(ctx, creds)
	if err != nil {
		return err
	}

	events, err := ics.Decode(res.Body)
	if err != nil {
		return fmt.Errorf("generated calendar does not parse: %w", err)
	}

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(res.Body); err != nil {
		return err
	}

	appLog.Info("calendar written", "events", len(events), "bytes", len(res.Body), "out", out)
	return nil
}

func serve(ctx context.Context, conf *config.Config, asm *feed.Assembler, m *metrics.Manager, resolver *timetable.Resolver) error {
	var sched *scheduler.Scheduler
	if conf.Refresh != "" {
		s, err := scheduler.New(conf.Refresh, resolver.Location(), asm, conf.Credentials())
		if err != nil {
			return err
		}
		sched = s
		sched.Start()
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, asm, m).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", conf.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if sched != nil {
			sched.Stop(context.Background())
		}
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	appLog.Info("icsuntis exiting")
	return nil
}
