package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PulseCache keeps the latest health snapshot in memory. Handlers serve the
// cache, only the poller refreshes it.
type PulseCache struct {
	mu   sync.RWMutex
	data DashboardData
	ok   bool
}

func (c *PulseCache) Get() (DashboardData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.ok
}

func (c *PulseCache) Set(d DashboardData) {
	c.mu.Lock()
	c.data = d
	c.ok = true
	c.mu.Unlock()
}

// buildDashboard assembles one dashboard snapshot from the controller. The
// client snapshot is fetched once and reused for counts and top talkers.
func buildDashboard(ctx context.Context, ctl Controller, nowMs int64) (DashboardData, error) {
	gateway, err := ctl.SystemInfo(ctx)
	if err != nil {
		return DashboardData{}, fmt.Errorf("gateway stats: %w", err)
	}
	health, err := ctl.Health(ctx)
	if err != nil {
		return DashboardData{}, fmt.Errorf("health: %w", err)
	}
	aps, err := ctl.APDetails(ctx)
	if err != nil {
		return DashboardData{}, fmt.Errorf("ap details: %w", err)
	}
	snapshot, err := ctl.Clients(ctx)
	if err != nil {
		return DashboardData{}, fmt.Errorf("clients: %w", err)
	}

	wanRecord := health["wan"]
	wan := WanHealth{Status: "unknown"}
	if wanRecord != nil {
		if status := pickString(wanRecord, []string{"status"}); status != "" {
			wan.Status = status
		}
		wan.WanIP = pickString(wanRecord, []string{"wan_ip"})
		wan.ISPName = pickString(wanRecord, []string{"isp_name"})
		wan.Availability = pickFloat(wanRecord, []string{"uptime_stats", "WAN", "availability"})
		if v := pickFloat(wanRecord, []string{"tx_bytes-r"}); v != nil {
			wan.TxBytesRate = int64(*v)
		}
		if v := pickFloat(wanRecord, []string{"rx_bytes-r"}); v != nil {
			wan.RxBytesRate = int64(*v)
		}
	}
	if www := health["www"]; www != nil {
		wan.Latency = pickFloat(www, []string{"latency"})
	}
	if wan.WanIP == "" {
		wan.WanIP = gateway.WanIP
	}

	counts := DeviceCounts{Clients: len(snapshot), APs: len(aps)}
	for _, rec := range snapshot {
		if rec.IsWired {
			counts.WiredClients++
		} else {
			counts.WirelessClients++
		}
	}
	if lan := health["lan"]; lan != nil {
		if v := pickFloat(lan, []string{"num_sw"}); v != nil {
			counts.Switches = int(*v)
		}
	}

	return DashboardData{
		Gateway:      gateway,
		Wan:          wan,
		Devices:      counts,
		AccessPoints: aps,
		TopClients:   topClients(snapshot, 10),
		Health:       health,
		LastRefresh:  nowMs,
	}, nil
}

// topClients ranks the snapshot by total bytes transferred.
func topClients(snapshot Snapshot, limit int) []TopClient {
	out := make([]TopClient, 0, len(snapshot))
	for _, rec := range snapshot {
		name := rec.Name
		if name == "" {
			name = rec.Hostname
		}
		if name == "" {
			name = rec.Mac
		}
		out = append(out, TopClient{
			Mac:        rec.Mac,
			Name:       name,
			Hostname:   rec.Hostname,
			IP:         rec.IP,
			TxBytes:    rec.TxBytes,
			RxBytes:    rec.RxBytes,
			TotalBytes: rec.TxBytes + rec.RxBytes,
			IsWired:    rec.IsWired,
			Essid:      rec.Essid,
			Network:    rec.Network,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBytes != out[j].TotalBytes {
			return out[i].TotalBytes > out[j].TotalBytes
		}
		return out[i].Mac < out[j].Mac
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
