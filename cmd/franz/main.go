package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"franz/internal/audit"
	"franz/internal/backend"
	"franz/internal/config"
	"franz/internal/engine"
	"franz/internal/executor"
	"franz/internal/notify"
	"franz/internal/params"
	"franz/internal/physical"
	"franz/internal/proxy"
	"franz/internal/sandbox"
	"franz/internal/state"
	"franz/internal/vlm"
)

const defaultConfigPath = ".franz/config.json"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "init":
		code = handleInit(os.Args[2:])
	case "turn":
		code = handleTurn(ctx, os.Args[2:])
	case "loop":
		code = handleLoop(ctx, os.Args[2:])
	case "reset":
		code = handleReset(ctx, os.Args[2:])
	case "history":
		code = handleHistory(ctx, os.Args[2:])
	case "proxy":
		code = handleProxy(ctx, os.Args[2:])
	case "doctor":
		code = handleDoctor(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		code = 2
	}

	os.Exit(code)
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "usage: franz <subcommand> [flags]")
	fmt.Fprintln(w, "subcommands: init, turn, loop, reset, history, proxy, doctor")
}

// chatty reports whether friendly progress lines should go to stderr.
func chatty() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

func chatf(format string, args ...any) {
	if chatty() {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath, "path to config file")
}

func handleInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	force := fs.Bool("force", false, "overwrite an existing config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(*cfgPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", *cfgPath)
		return 1
	}
	cfg := config.Default()
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	watcher := params.NewWatcher(cfg.Params.File)
	if _, err := os.Stat(cfg.Params.File); errors.Is(err, os.ErrNotExist) {
		if err := watcher.Save(params.Default()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	fmt.Fprintf(os.Stdout, "initialized %s\n", *cfgPath)
	return 0
}

func handleTurn(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("turn", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return runEngine(ctx, *cfgPath, false)
}

func handleLoop(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("loop", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return runEngine(ctx, *cfgPath, true)
}

func runEngine(ctx context.Context, cfgPath string, loop bool) int {
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	chatf("[franz] run %s", eng.RunID())
	if loop {
		err = eng.Loop(ctx)
	} else {
		err = eng.RunTurn(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func buildEngine(cfg config.Config) (*engine.Engine, func(), error) {
	store, err := state.OpenSQLite(cfg.State.File)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = store.Close() }}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		name := filepath.Join(cfg.Audit.Dir, "audit-"+time.Now().Format("20060102")+".jsonl")
		auditLog, err = audit.NewLogger(name)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = auditLog.Close() })
	}

	var renderer backend.Renderer
	if cfg.Sandbox.Active {
		sandboxStore, err := sandbox.NewStore(cfg.Sandbox.Dir, cfg.Sandbox.ID)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := sandboxStore.Prime(cfg.Sandbox.Width, cfg.Sandbox.Height); err != nil {
			cleanup()
			return nil, nil, err
		}
		renderer = sandbox.NewRenderer(sandboxStore)
	} else {
		// No OS capture layer is wired in; the physical backend dispatches to
		// a stub and frames come back blank.
		renderer = &physical.Renderer{Dispatcher: &physical.StubDispatcher{}}
	}
	exec := executor.Supervise(executor.NewLocal(renderer))

	endpoint, err := cfg.Endpoint()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	model, err := vlm.NewClient(vlm.Options{
		BaseURL:   endpoint.BaseURL,
		Model:     cfg.Model.Name,
		APIKey:    endpoint.APIKey,
		APIKeyEnv: endpoint.APIKeyEnv,
		Headers:   endpoint.Headers,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	watcher := params.NewWatcher(cfg.Params.File)
	eng := engine.New(cfg, exec, model, store, watcher, auditLog)
	model.OnRetry = eng.OnModelRetry

	if cfg.Discord.Enabled {
		notifier, err := notify.NewDiscord(cfg.Discord)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = notifier.Close() })
		eng.Notify = notifier
	}

	return eng, cleanup, nil
}

func handleReset(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	keepSurface := fs.Bool("keep-surface", false, "keep the sandbox surface, reset only the story state")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	store, err := state.OpenSQLite(cfg.State.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	if err := store.Reset(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.Sandbox.Active && !*keepSurface {
		sandboxStore, err := sandbox.NewStore(cfg.Sandbox.Dir, cfg.Sandbox.ID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := sandboxStore.Reset(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	fmt.Fprintln(os.Stdout, "state reset")
	return 0
}

func handleHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	limit := fs.Int("n", 10, "number of turns to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	store, err := state.OpenSQLite(cfg.State.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	records, err := store.History(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, rec := range records {
		fmt.Fprintf(os.Stdout, "turn %d (%s) executed=%d ignored=%d response=%dB\n",
			rec.TurnIndex, rec.CreatedAt.Format(time.RFC3339), len(rec.Executed), len(rec.Ignored), len(rec.Response))
		for _, s := range rec.Executed {
			fmt.Fprintf(os.Stdout, "  + %s\n", s)
		}
		for _, s := range rec.Ignored {
			fmt.Fprintf(os.Stdout, "  - %s\n", s)
		}
	}
	return 0
}

func handleProxy(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	proxyCfg := cfg.Proxy
	proxyCfg.Enabled = true
	full := cfg
	full.Proxy = proxyCfg
	if err := full.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		name := filepath.Join(cfg.Audit.Dir, "proxy-"+time.Now().Format("20060102")+".jsonl")
		auditLog, err = audit.NewLogger(name)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer auditLog.Close()
	}

	srv := proxy.NewServer(proxyCfg, auditLog)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func handleDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cfgPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ok := true
	report := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Fprintf(os.Stdout, "FAIL %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(os.Stdout, "ok   %s\n", name)
	}

	cfg, err := config.LoadOrDefault(*cfgPath)
	report("config", err)
	if err != nil {
		return 1
	}

	store, err := state.OpenSQLite(cfg.State.File)
	report("state db", err)
	if err == nil {
		_, loadErr := store.Load(ctx)
		report("state load", loadErr)
		_ = store.Close()
	}

	_, err = params.NewWatcher(cfg.Params.File).Current()
	report("params", err)

	endpoint, err := cfg.Endpoint()
	report("provider", err)
	if err == nil {
		report("model endpoint", probeEndpoint(ctx, endpoint.BaseURL))
	}

	if !ok {
		return 1
	}
	return 0
}

// probeEndpoint checks basic reachability of the model server. Any HTTP
// response counts as reachable.
func probeEndpoint(ctx context.Context, baseURL string) error {
	url := strings.TrimRight(baseURL, "/") + "/models"
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
