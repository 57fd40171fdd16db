// Command redproxy runs the multi-protocol forward/reverse proxy described
// in SPEC_FULL.md: it loads a YAML configuration of listeners, connectors,
// and rules, then dispatches every accepted session through the rule that
// first matches it. Modeled on cloudflared's cmd/cloudflared CLI tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bearice/redproxy-go/config"
	"github.com/bearice/redproxy-go/dispatch"
	"github.com/bearice/redproxy-go/logger"
	"github.com/bearice/redproxy-go/session"
	"github.com/bearice/redproxy-go/state"
)

const version = "v0.1.0"

// queueCapacity is the dispatch queue's bound, per SPEC_FULL.md §5.
const queueCapacity = 100

func main() {
	app := &cli.App{
		Name:    "redproxy",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultConfigFile, Usage: "config filename"},
			&cli.StringFlag{Name: "log", Aliases: []string{"l"}, Value: "info", Usage: "log level: erro, warn, info, debug, trace"},
			&cli.BoolFlag{Name: "test", Aliases: []string{"t"}, Usage: "load and check config file then exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.Create(logger.Options{Level: c.String("log")})
	configPath := c.String("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	for _, l := range cfg.Listeners {
		if err := l.Init(); err != nil {
			return err
		}
	}
	st := state.New(log)
	for _, conn := range cfg.Connectors {
		if err := conn.Init(); err != nil {
			return err
		}
		if err := conn.Verify(st); err != nil {
			return err
		}
	}

	if c.Bool("test") {
		fmt.Printf("redproxy: the configuration file %s is ok\n", configPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := session.NewQueue(queueCapacity)
	dispatcher := dispatch.New(st, cfg.Rules, cfg.MaxSessions)

	// errgroup ties every listener's accept loop and the dispatcher to a
	// shared lifetime: the first one to return an error cancels gctx for
	// the rest, so a single listener bind failure brings the whole process
	// down instead of leaving orphaned goroutines behind.
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range cfg.Listeners {
		l := l
		g.Go(func() error { return l.Listen(gctx, st, queue) })
	}
	g.Go(func() error { return dispatcher.Run(gctx, queue) })

	log.Info().Msg("redproxy started")
	return g.Wait()
}
