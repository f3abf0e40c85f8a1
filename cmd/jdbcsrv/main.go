package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/os2200/jdbcsrv/internal/bootstrap"
	"github.com/os2200/jdbcsrv/internal/engine/fakeengine"
	"github.com/os2200/jdbcsrv/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("jdbcsrv", flag.ExitOnError)
	configPath := fs.String("config", "jdbcsrv.conf", "path to the server configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	srv, exitCode, err := bootstrap.New(*configPath, fakeengine.New(), os.Stdin, os.Stdout)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(int(exitCode))
	}

	logging.PrintBanner(srv.SGS.Identity.ServerName, version, srv.SGS.Identity.RunID, srv.SGS.Listener.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(int(srv.Run(ctx)))
}
