// Package sweep runs the control plane's maintenance pass: expiring
// stale enrollment codes and flagging secret versions whose overlap
// window has lapsed without adoption. It never revokes anything itself
// (completion is still only triggered by rotation.Complete) and it never
// deletes audit history.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/audit"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/config"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/logging"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/metrics"
	"github.com/bdpdx/rezilient-auth-control-plane/internal/store"
)

// Result summarizes one sweep pass, mostly for logging and tests.
type Result struct {
	EnrollmentCodesExpired int
	OverlapsLapsed         int
}

// Sweeper periodically expires stale enrollment codes and flags lapsed
// rotation overlaps, ticking at config.MaintenanceSweepInterval() or, if
// a maintenance_schedule cron expression is configured, at its computed
// next-tick time instead.
type Sweeper struct {
	st   store.Store
	clk  clock.Clock
	key  string
	rec  *audit.Recorder
	cfg  *config.Config
	log  *logging.Logger
	tick chan struct{}
}

// New constructs a Sweeper over the snapshot at key.
func New(st store.Store, clk clock.Clock, key string, rec *audit.Recorder, cfg *config.Config, log *logging.Logger) *Sweeper {
	return &Sweeper{st: st, clk: clk, key: key, rec: rec, cfg: cfg, log: log, tick: make(chan struct{}, 1)}
}

// Run loops, sweeping at every tick, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		select {
		case <-s.clk.After(s.nextInterval()):
			result, err := s.Sweep()
			if err != nil {
				s.log.Warn("maintenance sweep failed", "error", err)
				continue
			}
			s.logResult(result)
		case <-s.tick:
			// Interval changed; loop to recompute on the next select.
		case <-ctx.Done():
			s.log.Info("maintenance sweeper stopped")
			return nil
		}
	}
}

// NotifyScheduleChanged signals the run loop to recompute its next tick
// immediately instead of waiting out the current interval.
func (s *Sweeper) NotifyScheduleChanged() {
	select {
	case s.tick <- struct{}{}:
	default:
	}
}

// nextInterval returns the duration until the next sweep: the
// maintenance_schedule cron expression's next occurrence if configured,
// otherwise the fixed MaintenanceSweepInterval.
func (s *Sweeper) nextInterval() time.Duration {
	schedule := s.cfg.MaintenanceSchedule
	if schedule == "" {
		return s.cfg.MaintenanceSweepInterval()
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		s.log.Warn("invalid maintenance schedule, falling back to sweep interval", "error", err)
		return s.cfg.MaintenanceSweepInterval()
	}
	now := s.clk.Now()
	next := sched.Next(now)
	return next.Sub(now)
}

// Sweep runs one maintenance pass in a single transaction.
func (s *Sweeper) Sweep() (Result, error) {
	start := s.clk.Now()
	nowISO := start.UTC().Format(time.RFC3339Nano)

	raw, err := s.st.Mutate(s.key, func(snap *store.Snapshot) (any, error) {
		result := Result{}

		for codeID, rec := range snap.EnrollmentCodes {
			if rec.UsedAt != nil || rec.ExpiredAt != nil {
				continue
			}
			if nowISO <= rec.ExpiresAt {
				continue
			}
			expiredAt := nowISO
			rec.ExpiredAt = &expiredAt
			snap.EnrollmentCodes[codeID] = rec
			result.EnrollmentCodesExpired++

			s.rec.Append(snap, audit.Input{
				EventType:  audit.EnrollmentCodeExpired,
				TenantID:   &rec.TenantID,
				InstanceID: &rec.InstanceID,
			})
		}

		for instanceID, inst := range snap.Instances {
			if inst.ClientCredentials == nil || inst.ClientCredentials.NextSecretVersionID == nil {
				continue
			}
			nextID := *inst.ClientCredentials.NextSecretVersionID
			for _, v := range inst.ClientCredentials.SecretVersions {
				if v.VersionID != nextID {
					continue
				}
				if v.AdoptedAt != nil || v.ValidUntil == nil || nowISO <= *v.ValidUntil {
					continue
				}
				result.OverlapsLapsed++
				s.rec.Append(snap, audit.Input{
					EventType:  audit.SecretRotationOverlapExpired,
					TenantID:   &inst.TenantID,
					InstanceID: &instanceID,
					Metadata:   map[string]any{"next_secret_version_id": nextID},
				})
			}
		}

		return result, nil
	})
	if err != nil {
		return Result{}, err
	}

	result := raw.(Result)
	metrics.SweepsTotal.Add(1)
	metrics.SweepDuration.Observe(s.clk.Since(start).Seconds())
	metrics.EnrollmentCodesExpired.Add(float64(result.EnrollmentCodesExpired))

	if s.cfg.MetricsTextfilePath != "" {
		if err := metrics.WriteTextfile(s.cfg.MetricsTextfilePath); err != nil {
			s.log.Warn("failed to write metrics textfile snapshot", "error", err, "path", s.cfg.MetricsTextfilePath)
		}
	}

	return result, nil
}

func (s *Sweeper) logResult(r Result) {
	s.log.Info("maintenance sweep complete",
		"enrollment_codes_expired", r.EnrollmentCodesExpired,
		"overlaps_lapsed", r.OverlapsLapsed,
	)
}
