// Command adapter runs one integration's pipeline and prints its records as a
// JSON array on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/app"
	"github.com/yourorg/yield-adapters/internal/config"
	"github.com/yourorg/yield-adapters/internal/otel"
)

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := config.Load()
	app.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	adaptersFile := flag.String("adapters", cfg.AdaptersFile, "path to the adapter deployment file")
	seal := flag.Bool("seal", false, "print a sealed envelope instead of the bare record array")
	publish := flag.Bool("publish", false, "post the sealed envelope to WEBHOOK_URL")
	list := flag.Bool("list", false, "list configured projects and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <project>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	file, err := config.LoadAdapters(*adaptersFile)
	if err != nil {
		logrus.Fatalf("Failed to load adapters: %v", err)
	}
	if *list {
		for _, p := range file.Projects() {
			fmt.Println(p)
		}
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	project := flag.Arg(0)

	shutdown := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, file, prometheus.NewRegistry())
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	res, err := a.Run(ctx, project)
	if err != nil {
		logrus.Errorf("Run failed: %v", err)
		a.Close()
		os.Exit(1)
	}

	var out any = res.Records
	switch {
	case *publish:
		env, err := a.Publish(ctx, res)
		if err != nil {
			logrus.Errorf("Publish failed: %v", err)
		}
		out = env
	case *seal:
		env, err := a.Sealer.Seal(res.Project, res.Records)
		if err != nil {
			logrus.Fatalf("Failed to seal records: %v", err)
		}
		out = env
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logrus.Fatalf("Failed to write output: %v", err)
	}
}
