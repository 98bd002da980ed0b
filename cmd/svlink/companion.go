package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"svlink/pkg/companion"
)

func runCompanion(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("companion", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "", "listen address")
	radius := fs.Float64("radius", 0, "orbit radius in metres")
	period := fs.Duration("period", 0, "orbit period")
	duration := fs.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	set := setFlags(fs)
	if set["listen"] {
		cfg.Companion.Listen = *listen
	}
	if set["radius"] {
		cfg.Companion.Radius = *radius
	}
	if set["period"] {
		cfg.Companion.Period = period.String()
	}
	log := common.logger(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orbit := companion.NewOrbit(cfg.Companion.Radius, cfg.OrbitPeriod(), time.Now())
	srv := companion.NewServer(cfg.Companion.Listen, orbit, companion.WithLogger(log))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	if srv.Addr() == "" {
		fmt.Fprintln(stderr, "companion:", <-errCh)
		return 1
	}
	fmt.Fprintln(stdout, "serving poses on", srv.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-errCh
	case <-runFor(*duration):
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}
	if runErr != nil {
		fmt.Fprintln(stderr, "companion:", runErr)
		return 1
	}

	st := srv.Stats()
	fmt.Fprintf(stdout, "clients=%d requests=%d\n", st.Clients, st.Requests)
	return 0
}
