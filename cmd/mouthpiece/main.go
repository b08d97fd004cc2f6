package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/mouthpiece/internal/arbiter"
	"github.com/ent0n29/mouthpiece/internal/config"
	"github.com/ent0n29/mouthpiece/internal/gate"
	"github.com/ent0n29/mouthpiece/internal/observability"
	"github.com/ent0n29/mouthpiece/internal/protocol"
	"github.com/ent0n29/mouthpiece/internal/relay"
	"github.com/ent0n29/mouthpiece/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var (
		controller *arbiter.Controller
		srv        *relay.Server
	)

	// Every say gets a say_result broadcast, even with TTS disabled, so
	// producers are never left waiting on silence.
	onPayload := func(payload any) {
		say, ok := payload.(protocol.Say)
		if !ok {
			return
		}
		if controller == nil {
			metrics.SayRequests.WithLabelValues("tts_disabled").Inc()
			srv.Broadcast(protocol.SayResult{
				V:           protocol.Version,
				Type:        protocol.TypeSayResult,
				SessionID:   protocol.NormalizeSessionID(say.SessionID),
				UtteranceID: say.UtteranceID,
				MessageID:   say.MessageID,
				Reason:      "tts_disabled",
				TS:          time.Now().UnixMilli(),
			})
			return
		}
		srv.Broadcast(controller.HandleSay(say))
	}

	var status func() any
	if cfg.TTSEnabled {
		status = func() any {
			if controller == nil {
				return map[string]any{"enabled": false}
			}
			return controller.Snapshot()
		}
	}

	srv = relay.New(relay.Config{
		WSPath:        cfg.WSPath,
		StaticDir:     cfg.StaticDir,
		RelayPayloads: cfg.RelayPayloads,
	}, metrics, onPayload, status)

	if cfg.TTSEnabled {
		workerClient, err := worker.Start(worker.Command{
			Path: cfg.WorkerCmd,
			Args: cfg.WorkerArgs,
			Dir:  cfg.WorkerDir,
		})
		if err != nil {
			log.Printf("tts worker spawn failed: %v", err)
			srv.Broadcast(protocol.TTSState{
				V:         protocol.Version,
				Type:      protocol.TypeTTSState,
				SessionID: "-",
				Phase:     arbiter.PhaseWorkerUnavailable,
				Reason:    "spawn_failed",
				TS:        time.Now().UnixMilli(),
			})
		} else {
			gateState := gate.New(gate.Options{
				MinIntervalPriority1:    cfg.GateMinIntervalPriority1,
				GlobalWindow:            cfg.GateGlobalWindow,
				GlobalLimitLowPriority:  cfg.GateGlobalLimitLowPriority,
				SessionWindow:           cfg.GateSessionWindow,
				SessionLimitLowPriority: cfg.GateSessionLimitLowPriority,
				DedupeWindow:            cfg.GateDedupeWindow,
			})
			controller = arbiter.New(arbiter.Config{
				DefaultTTL:         cfg.DefaultTTL,
				AutoInterruptAfter: cfg.AutoInterruptAfter,
			}, gateState, workerClient, srv, metrics)
			go controller.Run(workerClient.Events())
		}
	} else {
		log.Printf("tts disabled by TTS_ENABLED=0")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("listening ws://%s%s", cfg.BindAddr, cfg.WSPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	if controller != nil {
		controller.Stop()
	}
	srv.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
