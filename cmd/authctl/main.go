// Command authctl runs the rezilient auth control plane: a single
// process wiring config -> store -> clock -> audit -> registry ->
// enrollment -> rotation -> token -> sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/config"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/enrollment"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/registry"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/rotation"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/sweep"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/token"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

// snapshotKey is the single state-store row every component reads and
// mutates. One control plane, one snapshot.
const snapshotKey = "control-plane"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("rezilient-auth-control-plane " + versionString())
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// A persisted maintenance_schedule setting overrides the env default,
	// using the settings bucket's single-key-blob passthrough rather than
	// the tenant snapshot.
	if saved, err := st.LoadSetting("maintenance_schedule"); err == nil && saved != "" {
		cfg.MaintenanceSchedule = saved
		log.Info("loaded persisted maintenance schedule", "schedule", saved)
		if err := cfg.Validate(); err != nil {
			log.Error("persisted maintenance schedule is invalid", "error", err)
			os.Exit(1)
		}
	}

	clk := clock.Real{}
	rec := audit.New(st, clk, snapshotKey)
	reg := registry.New(st, clk, snapshotKey, rec, log)
	enr := enrollment.New(st, clk, snapshotKey, rec, log)
	rot := rotation.New(reg, st, clk, snapshotKey, rec, log)

	tok, err := token.New(st, clk, snapshotKey, rec, rot, token.Config{
		Issuer:                   cfg.Issuer,
		SigningKey:               cfg.SigningKey,
		TokenTTLSeconds:          cfg.TokenTTLSeconds,
		TokenClockSkewSeconds:    cfg.TokenClockSkewSeconds,
		OutageGraceWindowSeconds: cfg.OutageGraceWindowSeconds,
	}, log)
	if err != nil {
		log.Error("failed to construct token service", "error", err)
		os.Exit(1)
	}

	sw := sweep.New(st, clk, snapshotKey, rec, cfg, log)

	// reg, enr, rot, and tok are exercised through the (out-of-scope)
	// HTTP/gRPC surface; keep them reachable here so `go vet` sees live
	// wiring even before that surface exists.
	_ = reg
	_ = enr
	_ = tok

	log.Info("authctl started", "version", version, "commit", commit)

	if err := sw.Run(ctx); err != nil {
		log.Error("authctl exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("authctl shutdown complete")
}
