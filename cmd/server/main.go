package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"

	"stonefall/engine/internal/app"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	tickRate := flag.Int("tick-rate", 60, "coordinator ticks per second")
	flag.Parse()

	// PROFILE_MODE=cpu|mem enables pprof capture for the process lifetime.
	switch os.Getenv("PROFILE_MODE") {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Addr: *addr, TickRate: *tickRate}); err != nil {
		log.Fatalf("%v", err)
	}
}
