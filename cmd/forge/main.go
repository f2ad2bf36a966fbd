// Command forge is the bundler's CLI entrypoint: parses options, builds
// once or watches, and optionally serves the output with live reload.
// CLI/option parsing itself is peripheral glue around the core bundler
// engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/metrics"
	"github.com/forgepack/forge/internal/bundler"
	"github.com/forgepack/forge/internal/compiler"
)

func main() {
	entry := flag.String("entry", "", "entry asset path")
	outDir := flag.String("out-dir", "dist", "output directory")
	watch := flag.Bool("watch", false, "watch for changes and rebuild")
	production := flag.Bool("production", false, "build for production")
	serve := flag.Int("serve", 0, "port to serve the output directory on (0 disables)")
	flag.Parse()

	log := logging.NewFromEnv("forge")

	if *entry == "" {
		fmt.Fprintln(os.Stderr, "forge: -entry is required")
		os.Exit(2)
	}

	opts := bundler.NewOptions(
		bundler.WithOutDir(*outDir),
		bundler.WithWatch(*watch),
		bundler.WithProduction(*production),
	)

	m := metrics.Init("forge")
	c := compiler.New(opts.Minify)

	b, err := bundler.New(*entry, opts, c.Compile, log, m)
	if err != nil {
		log.Fatal(context.Background(), "failed to construct bundler", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		b.Stop()
		cancel()
	}()

	buildErr := b.Bundle(ctx)
	if buildErr != nil {
		log.Error(ctx, "build failed", buildErr, nil)
	}

	if *serve > 0 {
		log.Info(ctx, "serving bundler output", map[string]interface{}{"port": *serve})
		if err := b.Serve(*serve, false); err != nil {
			log.Fatal(ctx, "serve failed", err)
		}
		return
	}

	if *watch {
		<-ctx.Done()
	}

	// Bundle's own cleanup (pending reset, buildEnd, pool teardown) has
	// already run by this point; ExitCode only reports a production build
	// failure, so it's safe to exit on now.
	if code := b.ExitCode(); code != 0 {
		os.Exit(code)
	}
	if buildErr != nil && !*watch {
		os.Exit(1)
	}
}
