// Command lackey-cli is a terminal chat client. It talks to a lackey server
// over HTTP or, with -local, runs the chat runtime in process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/runtime/chat/bootstrap"
	"goa.design/lackey/runtime/chat/config"
	"goa.design/lackey/runtime/chat/server"
	"goa.design/lackey/runtime/chat/session"
	"goa.design/lackey/runtime/chat/telemetry"
)

func main() {
	var (
		urlF    = flag.String("url", "http://localhost:3000", "Base URL of the lackey server")
		modelF  = flag.String("model", "", "Model id (defaults to the server default)")
		localF  = flag.Bool("local", false, "Run the chat runtime in process instead of calling a server")
		configF = flag.String("config", "", "Configuration file used with -local")
		logF    = flag.String("log", "", "Write logs to this file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// The terminal belongs to the UI; logs go to a file or nowhere.
	var out io.Writer = io.Discard
	if *logF != "" {
		f, err := os.OpenFile(*logF, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON), log.WithOutput(out))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	tel := telemetry.NewClue()

	var (
		transport  session.Transport
		listModels func(context.Context) ([]apitypes.ModelInfo, error)
	)
	if *localF {
		cfg, err := config.Load(*configF)
		if err != nil {
			fatal(ctx, err, "failed to load configuration")
		}
		stack, err := bootstrap.Build(ctx, cfg, bootstrap.WithTelemetry(tel))
		if err != nil {
			fatal(ctx, err, "failed to build chat runtime")
		}
		defer func() { _ = stack.Close(context.Background()) }()
		transport = &session.LocalTransport{Opener: stack.Server}
		listModels = func(context.Context) ([]apitypes.ModelInfo, error) { return stack.Models, nil }
	} else {
		base := strings.TrimSuffix(*urlF, "/")
		transport = &session.HTTPTransport{URL: base + server.ChatPath}
		listModels = func(ctx context.Context) ([]apitypes.ModelInfo, error) {
			return fetchModels(ctx, http.DefaultClient, base+server.ModelsPath)
		}
	}

	var p *tea.Program
	sess := session.New(transport,
		session.WithModel(*modelF),
		session.WithTelemetry(tel),
		session.WithOnChange(func(s session.Snapshot) {
			if p != nil {
				p.Send(snapshotMsg(s))
			}
		}),
		session.WithOnError(func(err error) {
			log.Error(ctx, err, log.KV{K: "msg", V: "chat request failed"})
		}),
	)
	p = tea.NewProgram(newUI(ctx, sess, *modelF, listModels), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		sess.Stop()
		fatal(ctx, err, "program error")
	}
	sess.Stop()
}

// fetchModels lists the models served at url.
func fetchModels(ctx context.Context, c *http.Client, url string) ([]apitypes.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &session.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var models []apitypes.ModelInfo
	if err := goahttp.ResponseDecoder(resp).Decode(&models); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return models, nil
}

func fatal(ctx context.Context, err error, msg string) {
	log.Error(ctx, err, log.KV{K: "msg", V: msg})
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
