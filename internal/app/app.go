// Package app wires the engine, the network reconciliation layer and the
// websocket transport into a runnable server process.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	engine "stonefall/engine"
	"stonefall/engine/internal/net/ws"
	"stonefall/engine/internal/netsync"
	"stonefall/engine/internal/telemetry"
	"stonefall/engine/logging"
	loggingSinks "stonefall/engine/logging/sinks"
)

// Config carries process-level options; env vars override the rest.
type Config struct {
	Addr     string
	TickRate int
	Logger   telemetry.Logger
}

// Run starts the server and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := logging.DefaultConfig()
	sinks := []logging.NamedSink{
		{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout)},
	}
	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("close logging router: %v", cerr)
		}
	}()

	metrics := logging.NewMetrics()

	engineCfg := engine.DefaultConfig()
	engineCfg.Logger = telemetryLogger
	engineCfg.Metrics = telemetry.WrapMetrics(metrics)
	if raw := os.Getenv("FIXED_DT"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			engineCfg.FixedDt = value
		} else {
			telemetryLogger.Printf("invalid FIXED_DT=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("ISLAND_TIME_TO_SLEEP"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			engineCfg.TimeToSleep = value
		} else {
			telemetryLogger.Printf("invalid ISLAND_TIME_TO_SLEEP=%q: %v", raw, err)
		}
	}

	world := engine.NewWorld(engineCfg)
	defer func() {
		if serr := world.Shutdown(5 * time.Second); serr != nil {
			telemetryLogger.Printf("world shutdown: %v", serr)
		}
	}()

	serverCfg := netsync.DefaultServerConfig()
	serverCfg.Logger = telemetryLogger
	serverCfg.Publisher = router
	if raw := os.Getenv("SNAPSHOT_RATE"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			serverCfg.SnapshotRate = value
		} else {
			telemetryLogger.Printf("invalid SNAPSHOT_RATE=%q: %v", raw, err)
		}
	}
	server := netsync.NewServer(world.Coordinator(), serverCfg)

	gateway := ws.NewGateway()
	handler := ws.NewHandler(gateway, ws.HandlerConfig{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.Handle)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	if raw := os.Getenv("ADDR"); raw != "" {
		addr = raw
	}
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if herr := httpServer.ListenAndServe(); herr != nil && herr != http.ErrServerClosed {
			telemetryLogger.Printf("http server: %v", herr)
		}
	}()
	defer httpServer.Close()

	tickRate := cfg.TickRate
	if tickRate <= 0 {
		tickRate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	sessions := map[*ws.Session]bool{}
	telemetryLogger.Printf("listening on %s", addr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			joins, inbound, leaves := gateway.Drain()
			for _, session := range joins {
				rc, cerr := server.Connect(session)
				if cerr != nil {
					telemetryLogger.Printf("client connect: %v", cerr)
					session.Close()
					continue
				}
				session.Bind(rc.Entity)
				sessions[session] = true
			}
			for _, in := range inbound {
				if client := in.Session.Client(); !client.IsNull() {
					server.Receive(client, in.Data)
				}
			}
			for _, session := range leaves {
				if client := session.Client(); !client.IsNull() {
					server.Disconnect(client)
				}
				delete(sessions, session)
			}
			server.Update()
			world.Update()
		}
	}
}
