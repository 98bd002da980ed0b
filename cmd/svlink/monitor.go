package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"

	"svlink/pkg/monitor"
)

func runMonitor(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags clientFlags
	flags.register(fs)
	logPath := fs.String("log", "svlink-monitor.log", "log file (the terminal is taken by the dashboard)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	if err := flags.apply(&cfg, setFlags(fs)); err != nil {
		fmt.Fprintln(stderr, "invalid flags:", err)
		return 2
	}

	logFile, err := os.Create(*logPath)
	if err != nil {
		fmt.Fprintln(stderr, "open log:", err)
		return 1
	}
	defer logFile.Close()
	log := flags.logger(logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)

	sess, err := startSession(ctx, cfg, flags, log)
	if err != nil {
		cancel()
		fmt.Fprintln(stderr, "start:", err)
		return 1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.renderLoop(ctx)
	}()

	prog := tea.NewProgram(monitor.New(sess.link, sess.bridge, 0), tea.WithContext(ctx), tea.WithOutput(stdout))
	go func() {
		select {
		case <-ctx.Done():
		case <-runFor(flags.duration):
			prog.Quit()
		}
	}()
	_, runErr := prog.Run()
	interrupted := ctx.Err() != nil

	cancel()
	<-done
	sess.Close()

	if runErr != nil && !interrupted {
		fmt.Fprintln(stderr, "monitor:", runErr)
		return 1
	}
	return 0
}
