package main

import (
	"context"
	"net/http"
	"sync"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/lackey/runtime/chat/config"
	"goa.design/lackey/runtime/chat/server"
)

func handleHTTPServer(ctx context.Context, cfg config.HTTP, chat *server.Server, wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the request multiplexer and mount debug and profiler endpoints in
	// debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			// Mount pprof handlers for memory profiling under /debug/pprof.
			debug.MountPprofHandlers(debug.Adapt(mux))
			// Mount /debug endpoint to enable or disable debug logs at runtime.
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}
	chat.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: cfg.ReadHeaderTimeout}
	log.Printf(ctx, "HTTP chat endpoint mounted on POST %s", server.ChatPath)
	log.Printf(ctx, "HTTP model listing mounted on GET %s", server.ModelsPath)

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.Addr)

		// Shutdown gracefully, letting in-flight streams finish.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
