// Command svcmuxd is a standalone demo host for the service manager.
//
// It has no consensus layer of its own: in place of one, it replays a
// small canned sequence of command/query envelopes against a freshly
// built Manager so the dispatch, counter, and map primitives can be
// exercised end to end from the command line.
//
// Usage:
//
//	go run ./cmd/svcmuxd                     # defaults
//	go run ./cmd/svcmuxd -config svcmux.yaml
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/corestate-io/svcmux/config"
	"github.com/corestate-io/svcmux/counter"
	"github.com/corestate-io/svcmux/envelope"
	"github.com/corestate-io/svcmux/logging"
	"github.com/corestate-io/svcmux/manager"
	"github.com/corestate-io/svcmux/observability"
	"github.com/corestate-io/svcmux/registry"
	"github.com/corestate-io/svcmux/svcmap"
)

func main() {
	configPath := flag.String("config", "", "path to a svcmuxd YAML config file")
	flag.Parse()

	cfg := config.DefaultManagerConfig()
	if *configPath != "" {
		loaded, err := config.LoadManagerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "svcmuxd: loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.NewStdLogger(logging.ParseLevel(cfg.LogLevel))
	logger.Info("svcmuxd_starting", "version", "1.0.0", "metrics_enabled", cfg.MetricsEnabled, "tracing_enabled", cfg.TracingEnabled)

	var shutdownTracer func()
	if cfg.TracingEnabled {
		stop, err := observability.InitTracer(cfg)
		if err != nil {
			logger.Warn("tracer_init_failed", "error", err)
		} else {
			shutdownTracer = func() {
				if err := stop(context.Background()); err != nil {
					logger.Warn("tracer_shutdown_failed", "error", err)
				}
			}
		}
	}

	reg := registry.NewTypeRegistry()
	reg.Register(counter.TypeTag, counter.New)
	reg.Register(svcmap.TypeTag, svcmap.New)
	logger.Info("registry_ready", "types", reg.RegisteredTypes())

	mgr := manager.New(reg, logger, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runDemoSequence(mgr, logger)
	}()

	select {
	case <-done:
		logger.Info("svcmuxd_demo_complete")
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	}

	if shutdownTracer != nil {
		shutdownTracer()
	}
	logger.Info("svcmuxd_stopped")
}

// runDemoSequence stands in for the consensus layer this binary has
// none of: it hand-assigns log indices to a small fixed sequence of
// envelopes, logs the counter's value, the metadata service count and the
// snapshot size, then restores the snapshot into a second manager.
func runDemoSequence(mgr *manager.Manager, logger logging.Logger) {
	counterID := envelope.ServiceId{Type: counter.TypeTag, Name: "requests"}
	mapID := envelope.ServiceId{Type: svcmap.TypeTag, Name: "sessions"}

	index := uint64(0)
	apply := func(req envelope.Request) envelope.Response {
		index++
		wire, err := mgr.ApplyCommand(index, envelope.EncodeRequest(req))
		if err != nil {
			logger.Error("demo_command_failed", "index", index, "error", err)
			return envelope.Response{}
		}
		resp, err := envelope.DecodeResponse(wire)
		if err != nil {
			logger.Error("demo_response_decode_failed", "index", index, "error", err)
		}
		return resp
	}
	query := func(req envelope.Request) envelope.Response {
		index++
		wire, err := mgr.ApplyQuery(index, envelope.EncodeRequest(req))
		if err != nil {
			logger.Error("demo_query_failed", "index", index, "error", err)
			return envelope.Response{}
		}
		resp, err := envelope.DecodeResponse(wire)
		if err != nil {
			logger.Error("demo_response_decode_failed", "index", index, "error", err)
		}
		return resp
	}

	apply(envelope.Request{Kind: envelope.KindCreate, ID: counterID})
	apply(envelope.Request{
		Kind: envelope.KindCommand, ID: counterID, Payload: counter.EncodeIncrementCommand(1),
	})
	apply(envelope.Request{
		Kind: envelope.KindCommand, ID: counterID, Payload: counter.EncodeIncrementCommand(1),
	})
	resp := query(envelope.Request{Kind: envelope.KindQuery, ID: counterID, Payload: counter.EncodeGetQuery()})
	if value, err := counter.DecodeGetResponse(resp.Payload); err == nil {
		logger.Info("demo_counter_value", "service", counterID.String(), "value", value)
	}

	apply(envelope.Request{
		Kind: envelope.KindCommand, ID: mapID, Payload: svcmap.EncodePutCommand("alice", []byte("online")),
	})
	apply(envelope.Request{
		Kind: envelope.KindCommand, ID: mapID, Payload: svcmap.EncodePutCommand("bob", []byte("away")),
	})

	metaResp := query(envelope.Request{Kind: envelope.KindMetadata})
	logger.Info("demo_metadata", "service_count", len(metaResp.Services))

	var snapshot bytes.Buffer
	if err := mgr.Snapshot(&snapshot); err != nil {
		logger.Error("demo_snapshot_failed", "error", err)
		return
	}
	logger.Info("demo_snapshot_complete", "bytes", snapshot.Len())

	restoredCfg := config.DefaultManagerConfig()
	restoredCfg.MetricsEnabled = false
	restored := manager.New(buildDemoRegistry(), logger, restoredCfg)
	if err := restored.Restore(bytes.NewReader(snapshot.Bytes())); err != nil {
		logger.Error("demo_restore_failed", "error", err)
		return
	}
	logger.Info("demo_restore_complete")
}

func buildDemoRegistry() *registry.TypeRegistry {
	reg := registry.NewTypeRegistry()
	reg.Register(counter.TypeTag, counter.New)
	reg.Register(svcmap.TypeTag, svcmap.New)
	return reg
}
