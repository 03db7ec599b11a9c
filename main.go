package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/recordmigrate/cmd"
	"github.com/tphakala/recordmigrate/internal/app"
	"github.com/tphakala/recordmigrate/internal/buildinfo"
	"github.com/tphakala/recordmigrate/internal/logger"
)

// buildDate and version are set at build time with -ldflags "-X main.version=...".
var (
	buildDate string
	version   string
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCtx := app.NewContext(buildinfo.NewContext(version, buildDate))
	rootCmd := cmd.RootCommand(appCtx)

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Global().Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
