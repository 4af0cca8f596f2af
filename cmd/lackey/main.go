package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"

	"goa.design/lackey/runtime/chat/bootstrap"
	"goa.design/lackey/runtime/chat/config"
	"goa.design/lackey/runtime/chat/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML or TOML configuration file (defaults are used when empty)")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}
	if *addrF != "" {
		cfg.HTTP.Addr = *addrF
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.HTTP.Addr}, log.KV{K: "default-model", V: cfg.DefaultModel})

	stack, err := bootstrap.Build(ctx, cfg, bootstrap.WithTelemetry(telemetry.NewClue()))
	if err != nil {
		log.Fatalf(ctx, err, "failed to build chat runtime")
	}
	for _, m := range stack.Models {
		log.Print(ctx, log.KV{K: "model", V: m.ID}, log.KV{K: "provider", V: m.Provider}, log.KV{K: "default", V: m.Default})
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg.HTTP, stack.Server, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	if err := stack.Close(context.Background()); err != nil {
		log.Errorf(ctx, err, "failed to release resources")
	}
	log.Printf(ctx, "exited")
}
