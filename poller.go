package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Poller drives one recurring job. At most one cycle runs at a time; a tick
// that lands while the previous cycle is still busy is skipped, not queued.
type Poller struct {
	name     string
	interval time.Duration
	log      *slog.Logger
	metrics  *Metrics
	cycle    func(ctx context.Context) error

	runMu sync.Mutex

	statusMu    sync.RWMutex
	lastRefresh int64
	lastError   string
}

var errPollBusy = fmt.Errorf("poll cycle already running")

func NewPoller(name string, interval time.Duration, cycle func(ctx context.Context) error, metrics *Metrics, log *slog.Logger) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		log:      log,
		metrics:  metrics,
		cycle:    cycle,
	}
}

// Run polls immediately and then on every tick until the context ends.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	p.log.Info("poller_started", "job", p.name, "interval_sec", int(p.interval.Seconds()))

	p.runOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller_stopped", "job", p.name)
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	if err := p.TriggerOnce(ctx); err == errPollBusy {
		p.metrics.PollSkipped.WithLabelValues(p.name).Inc()
		p.log.Warn("poll_skipped", "job", p.name)
	}
}

// TriggerOnce runs one cycle now. Manual refresh endpoints call this too;
// errPollBusy is returned when a cycle is already in flight.
func (p *Poller) TriggerOnce(ctx context.Context) error {
	if !p.runMu.TryLock() {
		return errPollBusy
	}
	defer p.runMu.Unlock()

	start := time.Now()
	err := p.cycle(ctx)
	p.metrics.PollDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	p.statusMu.Lock()
	if err != nil {
		p.lastError = err.Error()
	} else {
		p.lastError = ""
		p.lastRefresh = time.Now().UnixMilli()
	}
	p.statusMu.Unlock()

	if err != nil {
		p.metrics.PollErrors.WithLabelValues(p.name).Inc()
		p.log.Warn("poll_failed", "job", p.name, "error", err.Error())
		return err
	}
	p.metrics.PollRuns.WithLabelValues(p.name).Inc()
	p.log.Info("poll_ok", "job", p.name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Poller) Status() JobStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return JobStatus{
		Job:             p.name,
		LastRefresh:     p.lastRefresh,
		LastError:       p.lastError,
		IntervalSeconds: int(p.interval.Seconds()),
		Running:         true,
	}
}

// ---- cycles ----

// stalkerCycle reconciles every tracked device against one frozen snapshot
// and commits all resulting writes in a single transaction. Notifications go
// out only after the commit succeeds.
func (a *App) stalkerCycle(ctx context.Context) error {
	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	a.metrics.TrackedDevices.Set(float64(len(devices)))
	if len(devices) == 0 {
		a.metrics.ConnectedDevices.Set(0)
		return nil
	}

	snapshot, err := a.unifi.Clients(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	names, err := a.unifi.DeviceNames(ctx)
	if err != nil {
		// Names are cosmetic; reconcile with MACs only.
		a.log.Warn("device_names_unavailable", "error", err.Error())
		names = map[string]string{}
	}

	nowMs := time.Now().UnixMilli()
	outcomes := make([]reconcileOutcome, 0, len(devices))
	connected := 0
	for _, dev := range devices {
		rec, present := snapshot[dev.MacAddress]

		var blocked *bool
		if b, err := a.unifi.IsBlocked(ctx, dev.MacAddress); err == nil {
			blocked = &b
		} else {
			a.log.Warn("blocked_check_failed", "mac", dev.MacAddress, "error", err.Error())
		}

		out := reconcileDevice(dev, rec, present, names, blocked, nowMs)
		if out.Device.IsConnected {
			connected++
		}
		if out.Changed {
			outcomes = append(outcomes, out)
		}
	}
	a.metrics.ConnectedDevices.Set(float64(connected))
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, out := range outcomes {
		if out.CloseHistory {
			if err := a.store.CloseOpenHistory(ctx, tx, out.Device.ID, nowMs); err != nil {
				return err
			}
		}
		if out.OpenHistory != nil {
			if _, err := a.store.OpenHistory(ctx, tx, *out.OpenHistory); err != nil {
				return err
			}
		}
		if err := a.store.SaveDeviceState(ctx, tx, out.Device); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stalker cycle: %w", err)
	}
	committed = true

	var events []deviceEvent
	for _, out := range outcomes {
		events = append(events, out.Events...)
	}
	a.notifier.DeviceEvents(ctx, events)
	return nil
}

// threatCycle pulls IPS records since the stored high-water mark, normalizes
// and dedupes them, applies ignore rules, and stores everything atomically.
func (a *App) threatCycle(ctx context.Context) error {
	latest, have, err := a.store.LatestThreatTimestamp(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	startMs := ipsQueryStart(latest, have, now)
	endMs := now.UnixMilli()

	raws, err := a.unifi.IPSEvents(ctx, startMs, endMs)
	if err != nil {
		return fmt.Errorf("fetch ips events: %w", err)
	}
	if len(raws) == 0 {
		return nil
	}

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rules, err := a.store.ListIgnoreRules(ctx, tx)
	if err != nil {
		return err
	}

	nowMs := now.UnixMilli()
	ruleCounts := map[int64]int64{}
	var fresh []ThreatEvent
	newCount, ignoredCount, dupCount := 0, 0, 0

	for _, raw := range raws {
		ev := parseThreatEvent(raw, nowMs)

		exists, err := a.store.ThreatEventExists(ctx, tx, ev.EventID)
		if err != nil {
			return err
		}
		if exists {
			dupCount++
			continue
		}

		if rule := matchIgnoreRule(rules, ev); rule != nil {
			ev.Ignored = true
			ev.IgnoredByRuleID = &rule.ID
			ruleCounts[rule.ID]++
			ignoredCount++
		}

		id, err := a.store.InsertThreatEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		ev.ID = id
		newCount++
		if !ev.Ignored {
			fresh = append(fresh, ev)
		}
	}

	if err := a.store.BumpIgnoreRuleCounters(ctx, tx, ruleCounts, nowMs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit threat cycle: %w", err)
	}
	committed = true

	a.metrics.ThreatsIngested.Add(float64(newCount))
	a.metrics.ThreatsIgnored.Add(float64(ignoredCount))
	a.metrics.ThreatsDuplicate.Add(float64(dupCount))
	if newCount > 0 {
		a.log.Info("threats_stored", "new", newCount, "ignored", ignoredCount, "duplicates", dupCount)
	}

	a.notifier.ThreatEvents(ctx, fresh)
	return nil
}

// pulseCycle refreshes the dashboard cache and pushes it to websocket clients.
func (a *App) pulseCycle(ctx context.Context) error {
	dash, err := buildDashboard(ctx, a.unifi, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	a.pulse.Set(dash)
	a.hub.Broadcast("dashboard_update", dash)
	return nil
}
