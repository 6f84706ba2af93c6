package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/config"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	serve := flag.Bool("serve", false, "run the API server and scheduler instead of a single run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer func() { _ = app.Close(context.Background()) }()

	if *serve {
		if err := app.Serve(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
		return 0
	}

	summary, err := app.RunOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s %s: %v\n", summary.RunID, summary.Status, err)
		return 1
	}
	fmt.Fprintf(os.Stdout, "run %s %s: %d products, output %s\n",
		summary.RunID, summary.Status, summary.Counters.Products, summary.OutputURI)
	return 0
}
