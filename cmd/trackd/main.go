package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/tracklabs/trackd/internal/runtime"
)

var (
	listenAddr        = flag.String("listen", ":5027", "address for the tracker TCP listener")
	httpAddr          = flag.String("http-addr", ":8082", "address for the status/metrics http api")
	statusTimeout     = flag.Duration("status-timeout", 600*time.Second, "how long a silent device stays online before decaying to unknown")
	updateDeviceState = flag.Bool("update-device-state", false, "run motion/overspeed evaluation on status changes")
	registerUnknown   = flag.Bool("register-unknown", true, "auto-register unknown device unique ids")
	keepaliveInterval = flag.Duration("keepalive-interval", 30*time.Second, "interval between subscriber keepalives")
	verboseFlag       = flag.Bool("verbose", false, "verbose mode - show debug logs")
	versionFlag       = flag.Bool("version", false, "build version")

	commit  = ""
	version = ""
	date    = ""
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("build: %s\n", commit)
		fmt.Printf("version: %s\n", version)
		fmt.Printf("date: %s\n", date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := runtime.Run(ctx, &runtime.Config{
		Logger:            log,
		ListenAddr:        *listenAddr,
		HTTPAddr:          *httpAddr,
		DeviceTimeout:     *statusTimeout,
		UpdateDeviceState: *updateDeviceState,
		RegisterUnknown:   *registerUnknown,
		KeepaliveInterval: *keepaliveInterval,
	})
	if err != nil {
		log.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
	}))
}
