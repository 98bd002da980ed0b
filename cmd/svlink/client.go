package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"
)

func runClient(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var flags clientFlags
	flags.register(fs)
	report := fs.Duration("report", 5*time.Second, "status log interval")
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
	log := flags.logger(stderr)

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
	if *report > 0 {
		go sess.reportLoop(ctx, *report)
	}

	select {
	case <-ctx.Done():
	case <-runFor(flags.duration):
	}
	cancel()
	<-done
	sess.Close()

	st := sess.link.Status()
	fmt.Fprintf(stdout, "exchanges=%d failures=%d connects=%d disconnects=%d last_seq=%d\n",
		st.Exchanges, st.Failures, st.Connects, st.Disconnects, st.PoseSeq)
	return 0
}
