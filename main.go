package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	log2 "github.com/chainguard-dev/terraform-provider-provisioner/internal/log"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/o11y"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provider"
	"github.com/hashicorp/terraform-plugin-framework/providerserver"
	slogmulti "github.com/samber/slog-multi"
)

// Run "go generate" to format example terraform files and generate the docs for the registry/website

// If you do not have terraform installed, you can remove the formatting command, but its suggested to
// ensure the documentation is formatted properly.
//go:generate terraform fmt -recursive ./examples/

// Run the docs generation tool, check its repository for more information on how it works and how docs
// can be customized.
//go:generate go run github.com/hashicorp/terraform-plugin-docs/cmd/tfplugindocs@v0.24.0

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

func main() {
	var debug bool
	flag.BoolVar(&debug, "debug", false, "set to true to run the provider with support for debuggers like delve")
	flag.Parse()

	opts := providerserver.ServeOpts{
		Address: "registry.terraform.io/chainguard-dev/provisioner",
		Debug:   debug,
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctx = setupLog(ctx)

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		clog.WarnContext(ctx, "failed to set up tracing", "error", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			clog.WarnContext(ctx, "failed to flush traces", "error", err)
		}
	}()

	if err := providerserver.Serve(ctx, provider.New(version), opts); err != nil {
		log.Fatal(err.Error())
	}
}

// setupLog sets up the default logging configuration.
func setupLog(ctx context.Context) context.Context {
	logger := clog.New(slogmulti.Fanout(
		log2.NewTFHandler(),
	))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
