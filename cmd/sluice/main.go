// Command sluice runs a configured pathway over input from a file, the
// command line, or stdin, and prints the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sluicehq/sluice"
	"github.com/sluicehq/sluice/internal/config"
	"github.com/sluicehq/sluice/observer"
	memorystore "github.com/sluicehq/sluice/store/memory"
	postgresstore "github.com/sluicehq/sluice/store/postgres"
	redisstore "github.com/sluicehq/sluice/store/redis"
	sqlitestore "github.com/sluicehq/sluice/store/sqlite"
)

// paramFlag collects repeatable -param key=value flags.
type paramFlag map[string]string

func (p paramFlag) String() string { return fmt.Sprint(map[string]string(p)) }

func (p paramFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func main() {
	var (
		configPath = flag.String("config", os.Getenv("SLUICE_CONFIG"), "config file (TOML)")
		pathway    = flag.String("pathway", "", "pathway to run")
		inputPath  = flag.String("input", "", "input file, - for stdin")
		text       = flag.String("text", "", "inline input text")
		async      = flag.Bool("async", false, "run in the background and print progress")
		stream     = flag.Bool("stream", false, "print live deltas as they arrive")
		contextID  = flag.String("context", "", "saved context id from a previous run")
		timeout    = flag.Duration("timeout", 0, "overall deadline, 0 uses the pathway default")
	)
	params := paramFlag{}
	flag.Var(params, "param", "template parameter key=value, repeatable")
	flag.Parse()

	if *pathway == "" {
		log.Fatal("no -pathway given")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	// 2. Build registry and pathway definitions
	reg, defs, err := config.Build(cfg)
	if err != nil {
		log.Fatal(err)
	}

	// 3. Context store
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	// 4. Dispatcher
	monitor := sluice.NewCallMonitor()
	go func() { _ = monitor.Start(ctx) }()
	dispatchOpts := append(config.DispatcherOptions(cfg.Dispatch),
		sluice.WithLimiter(sluice.NewLimiter()),
		sluice.WithMonitor(monitor),
	)
	var sender sluice.Sender = sluice.NewDispatcher(reg, dispatchOpts...)

	// 5. Observability
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatal(err)
		}
		defer shutdown(context.Background())
		sender = observer.WrapSender(sender, inst)
	}

	// 6. Resolver
	resolverOpts := []sluice.ResolverOption{sluice.WithPathways(sortedDefs(defs)...)}
	if store != nil {
		resolverOpts = append(resolverOpts, sluice.WithContextStore(store))
	}
	if cfg.Summary.Pathway != "" {
		resolverOpts = append(resolverOpts, sluice.WithSummaryPathway(cfg.Summary.Pathway))
	}
	resolver, err := sluice.NewResolver(sender, reg, resolverOpts...)
	if err != nil {
		log.Fatal(err)
	}

	// 7. Input
	input, err := readInput(*text, *inputPath)
	if err != nil {
		log.Fatal(err)
	}

	// 8. Run
	if *timeout > 0 && !*async && !*stream {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, *timeout)
		defer cancelRun()
	}
	res, err := resolver.Resolve(ctx, *pathway, sluice.Args{
		Text:      input,
		Async:     *async,
		Stream:    *stream,
		ContextID: *contextID,
		Params:    params,
	})
	if err != nil {
		log.Fatal(err)
	}

	if res.Events == nil {
		printResult(res)
		return
	}
	// Background runs detach from the caller's context; a deadline or an
	// interrupt turns into an explicit cancellation.
	if *timeout > 0 {
		timer := time.AfterFunc(*timeout, func() { resolver.Cancel(res.RequestID) })
		defer timer.Stop()
	}
	go func() {
		<-ctx.Done()
		resolver.Cancel(res.RequestID)
	}()
	if err := follow(res); err != nil {
		log.Fatal(err)
	}
}

// openStore builds the configured context store backend. The returned
// close function is a no-op for backends without a connection.
func openStore(ctx context.Context, sc config.StoreConfig) (sluice.ContextStore, func(), error) {
	noop := func() {}
	switch sc.Backend {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return memorystore.New(), noop, nil
	case "redis":
		var opts []redisstore.Option
		if sc.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(sc.Prefix))
		}
		if sc.TTLHours > 0 {
			opts = append(opts, redisstore.WithTTL(time.Duration(sc.TTLHours)*time.Hour))
		}
		s := redisstore.New(sc.Addr, sc.Password, sc.DB, opts...)
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s := sqlitestore.New(sc.Path)
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, noop, err
		}
		s := postgresstore.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return s, pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

func readInput(text, path string) (string, error) {
	if text != "" {
		return text, nil
	}
	if path == "" {
		return "", nil
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortedDefs(defs map[string]*sluice.PathwayDefinition) []*sluice.PathwayDefinition {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*sluice.PathwayDefinition, len(names))
	for i, name := range names {
		out[i] = defs[name]
	}
	return out
}

func printResult(res sluice.Result) {
	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	fmt.Println(res.Text)
	if res.ContextID != "" {
		fmt.Fprintln(os.Stderr, "context:", res.ContextID)
	}
}

// follow drains the progress stream of a background run, printing deltas
// as they arrive and the final result at the end.
func follow(res sluice.Result) error {
	fmt.Fprintln(os.Stderr, "request:", res.RequestID)
	streamed := false
	for ev := range res.Events {
		switch {
		case ev.Done:
			if streamed {
				fmt.Println()
			}
			if ev.Err != nil {
				return ev.Err
			}
			for _, w := range ev.Warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}
			if !streamed {
				fmt.Println(ev.Data)
			}
			if ev.ContextID != "" {
				fmt.Fprintln(os.Stderr, "context:", ev.ContextID)
			}
		case ev.Delta != "":
			streamed = true
			fmt.Print(ev.Delta)
		default:
			fmt.Fprintf(os.Stderr, "progress: %.0f%%\n", ev.Progress*100)
		}
	}
	return nil
}
