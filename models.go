package main

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity levels as UniFi reports them: lower number = more severe.
const (
	SeverityHigh   = 1
	SeverityMedium = 2
	SeverityLow    = 3
)

var severityLabels = map[int]string{
	SeverityHigh:   "High",
	SeverityMedium: "Medium",
	SeverityLow:    "Low",
}

type TrackedDevice struct {
	ID           int64  `json:"id"`
	MacAddress   string `json:"mac_address"`
	FriendlyName string `json:"friendly_name,omitempty"`
	IsConnected  bool   `json:"is_connected"`
	IsBlocked    bool   `json:"is_blocked"`
	IsWired      bool   `json:"is_wired"`

	CurrentAPMac      string `json:"current_ap_mac,omitempty"`
	CurrentAPName     string `json:"current_ap_name,omitempty"`
	CurrentSwitchMac  string `json:"current_switch_mac,omitempty"`
	CurrentSwitchName string `json:"current_switch_name,omitempty"`
	CurrentSwitchPort *int   `json:"current_switch_port,omitempty"`

	CurrentIPAddress string `json:"current_ip_address,omitempty"`
	CurrentSignal    *int   `json:"current_signal_strength,omitempty"`

	AddedAt  int64 `json:"added_at"`
	LastSeen int64 `json:"last_seen,omitempty"`
}

type ConnectionHistory struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`
	IsWired  bool  `json:"is_wired"`

	APMac      string `json:"ap_mac,omitempty"`
	APName     string `json:"ap_name,omitempty"`
	SwitchMac  string `json:"switch_mac,omitempty"`
	SwitchName string `json:"switch_name,omitempty"`
	SwitchPort *int   `json:"switch_port,omitempty"`

	ConnectedAt     int64  `json:"connected_at"`
	DisconnectedAt  *int64 `json:"disconnected_at"`
	DurationSeconds *int64 `json:"duration_seconds"`
	Signal          *int   `json:"signal_strength,omitempty"`
}

type ThreatEvent struct {
	ID        int64  `json:"id"`
	EventID   string `json:"event_id"`
	FlowID    string `json:"flow_id,omitempty"`
	Timestamp int64  `json:"timestamp"`

	Signature   string `json:"signature,omitempty"`
	SignatureID *int64 `json:"signature_id,omitempty"`
	Severity    int    `json:"severity"`
	Category    string `json:"category,omitempty"`
	Action      string `json:"action,omitempty"`
	Message     string `json:"message,omitempty"`

	SrcIP       string `json:"src_ip,omitempty"`
	SrcPort     *int   `json:"src_port,omitempty"`
	SrcMac      string `json:"src_mac,omitempty"`
	DestIP      string `json:"dest_ip,omitempty"`
	DestPort    *int   `json:"dest_port,omitempty"`
	DestMac     string `json:"dest_mac,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	AppProtocol string `json:"app_protocol,omitempty"`
	Interface   string `json:"interface,omitempty"`

	SrcCountry string   `json:"src_country,omitempty"`
	SrcCity    string   `json:"src_city,omitempty"`
	SrcLat     *float64 `json:"src_latitude,omitempty"`
	SrcLon     *float64 `json:"src_longitude,omitempty"`
	SrcASN     string   `json:"src_asn,omitempty"`
	SrcOrg     string   `json:"src_org,omitempty"`

	DestCountry string   `json:"dest_country,omitempty"`
	DestCity    string   `json:"dest_city,omitempty"`
	DestLat     *float64 `json:"dest_latitude,omitempty"`
	DestLon     *float64 `json:"dest_longitude,omitempty"`
	DestASN     string   `json:"dest_asn,omitempty"`
	DestOrg     string   `json:"dest_org,omitempty"`

	SiteID   string `json:"site_id,omitempty"`
	Archived bool   `json:"archived"`
	RawData  string `json:"-"`

	Ignored         bool   `json:"ignored"`
	IgnoredByRuleID *int64 `json:"ignored_by_rule_id,omitempty"`
	FetchedAt       int64  `json:"fetched_at"`
}

type ThreatIgnoreRule struct {
	ID          int64  `json:"id"`
	IPAddress   string `json:"ip_address"`
	Description string `json:"description,omitempty"`

	IgnoreHigh   bool `json:"ignore_high"`
	IgnoreMedium bool `json:"ignore_medium"`
	IgnoreLow    bool `json:"ignore_low"`

	MatchSource      bool `json:"match_source"`
	MatchDestination bool `json:"match_destination"`

	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"created_at"`
	EventsIgnored int64  `json:"events_ignored"`
	LastMatched   *int64 `json:"last_matched"`
}

func (r ThreatIgnoreRule) ignoresSeverity(severity int) bool {
	switch severity {
	case SeverityHigh:
		return r.IgnoreHigh
	case SeverityMedium:
		return r.IgnoreMedium
	case SeverityLow:
		return r.IgnoreLow
	}
	return false
}

// DeviceWebhook fires on tracked-device transitions.
type DeviceWebhook struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"webhook_type"` // slack, discord, generic
	URL  string `json:"url"`

	OnConnected    bool `json:"event_device_connected"`
	OnDisconnected bool `json:"event_device_disconnected"`
	OnRoamed       bool `json:"event_device_roamed"`
	OnBlocked      bool `json:"event_device_blocked"`
	OnUnblocked    bool `json:"event_device_unblocked"`

	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"created_at"`
	LastTriggered *int64 `json:"last_triggered"`
}

// ThreatWebhook fires on newly ingested, non-ignored threat events.
type ThreatWebhook struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"webhook_type"`
	URL  string `json:"url"`

	// Fires only for events at least this severe (severity <= MinSeverity).
	MinSeverity int  `json:"min_severity"`
	OnAlert     bool `json:"event_alert"`
	OnBlock     bool `json:"event_block"`

	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"created_at"`
	LastTriggered *int64 `json:"last_triggered"`
}

// ClientRecord is the canonical per-client snapshot shape. Both controller API
// generations are normalized into this right after the fetch; nothing
// downstream branches on the upstream shape.
type ClientRecord struct {
	Mac        string   `json:"mac"`
	IP         string   `json:"ip,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	Name       string   `json:"name,omitempty"`
	IsWired    bool     `json:"is_wired"`
	APMac      string   `json:"ap_mac,omitempty"`
	SwitchMac  string   `json:"sw_mac,omitempty"`
	SwitchPort *int     `json:"sw_port,omitempty"`
	Signal     *int     `json:"rssi,omitempty"`
	Essid      string   `json:"essid,omitempty"`
	Network    string   `json:"network,omitempty"`
	Uptime     *int64   `json:"uptime,omitempty"`
	TxBytes    int64    `json:"tx_bytes,omitempty"`
	RxBytes    int64    `json:"rx_bytes,omitempty"`
	TxRate     *float64 `json:"tx_rate_mbps,omitempty"`
	RxRate     *float64 `json:"rx_rate_mbps,omitempty"`
	Blocked    bool     `json:"blocked"`
}

// Snapshot is one frozen point-in-time read of connected clients, keyed by
// normalized MAC. Every device in a poll cycle reconciles against the same
// snapshot.
type Snapshot map[string]ClientRecord

type DeviceCreateRequest struct {
	MacAddress   string `json:"mac_address"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

type DeviceListResponse struct {
	LastUpdated int64           `json:"last_updated"`
	Devices     []TrackedDevice `json:"devices"`
	Total       int             `json:"total"`
}

type HistoryListResponse struct {
	DeviceID int64               `json:"device_id"`
	History  []ConnectionHistory `json:"history"`
	Total    int                 `json:"total"`
}

type ThreatEventFilters struct {
	StartMs  int64
	EndMs    int64
	Severity int
	Category string
	Action   string
	SrcIP    string
	DestIP   string
	Search   string
	Ignored  *bool
	Page     int
	PageSize int
}

type ThreatListResponse struct {
	Events   []ThreatEvent `json:"events"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	HasMore  bool          `json:"has_more"`
}

type SeverityCount struct {
	Severity int    `json:"severity"`
	Label    string `json:"label"`
	Count    int    `json:"count"`
}

type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TopAttacker struct {
	IP       string `json:"ip"`
	Count    int    `json:"count"`
	Country  string `json:"country,omitempty"`
	Org      string `json:"org,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

type ThreatStatsResponse struct {
	TotalEvents  int             `json:"total_events"`
	Events24h    int             `json:"events_24h"`
	Events7d     int             `json:"events_7d"`
	BlockedCount int             `json:"blocked_count"`
	AlertCount   int             `json:"alert_count"`
	IgnoredCount int             `json:"ignored_count"`
	BySeverity   []SeverityCount `json:"by_severity"`
	ByCategory   []NamedCount    `json:"by_category"`
	ByCountry    []NamedCount    `json:"by_country"`
	TopAttackers []TopAttacker   `json:"top_attackers"`
}

type TimelinePoint struct {
	Timestamp int64 `json:"timestamp"`
	Count     int   `json:"count"`
}

type IgnoreRuleRequest struct {
	IPAddress        string `json:"ip_address"`
	Description      string `json:"description,omitempty"`
	IgnoreHigh       *bool  `json:"ignore_high,omitempty"`
	IgnoreMedium     *bool  `json:"ignore_medium,omitempty"`
	IgnoreLow        *bool  `json:"ignore_low,omitempty"`
	MatchSource      *bool  `json:"match_source,omitempty"`
	MatchDestination *bool  `json:"match_destination,omitempty"`
	Enabled          *bool  `json:"enabled,omitempty"`
}

type JobStatus struct {
	Job             string `json:"job"`
	LastRefresh     int64  `json:"last_refresh,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`
	Running         bool   `json:"running"`
}

// Network Pulse snapshot shapes.

type GatewayStats struct {
	Model          string   `json:"model,omitempty"`
	Name           string   `json:"name,omitempty"`
	Version        string   `json:"version,omitempty"`
	Uptime         int64    `json:"uptime,omitempty"`
	CPUUtilization *float64 `json:"cpu_utilization,omitempty"`
	MemUtilization *float64 `json:"mem_utilization,omitempty"`
	WanStatus      string   `json:"wan_status,omitempty"`
	WanIP          string   `json:"wan_ip,omitempty"`
}

type WanHealth struct {
	Status       string   `json:"status"`
	WanIP        string   `json:"wan_ip,omitempty"`
	ISPName      string   `json:"isp_name,omitempty"`
	Availability *float64 `json:"availability,omitempty"`
	Latency      *float64 `json:"latency,omitempty"`
	TxBytesRate  int64    `json:"tx_bytes_rate"`
	RxBytesRate  int64    `json:"rx_bytes_rate"`
}

type DeviceCounts struct {
	Clients         int `json:"clients"`
	WiredClients    int `json:"wired_clients"`
	WirelessClients int `json:"wireless_clients"`
	APs             int `json:"aps"`
	Switches        int `json:"switches"`
}

type APStatus struct {
	Mac          string   `json:"mac"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	NumSta       int      `json:"num_sta"`
	State        int      `json:"state"`
	Uptime       int64    `json:"uptime"`
	Satisfaction *float64 `json:"satisfaction,omitempty"`
	TxBytes      int64    `json:"tx_bytes"`
	RxBytes      int64    `json:"rx_bytes"`
}

type TopClient struct {
	Mac        string `json:"mac"`
	Name       string `json:"name"`
	Hostname   string `json:"hostname,omitempty"`
	IP         string `json:"ip,omitempty"`
	TxBytes    int64  `json:"tx_bytes"`
	RxBytes    int64  `json:"rx_bytes"`
	TotalBytes int64  `json:"total_bytes"`
	IsWired    bool   `json:"is_wired"`
	Essid      string `json:"essid,omitempty"`
	Network    string `json:"network,omitempty"`
}

type DashboardData struct {
	Gateway      GatewayStats              `json:"gateway"`
	Wan          WanHealth                 `json:"wan"`
	Devices      DeviceCounts              `json:"devices"`
	AccessPoints []APStatus                `json:"access_points"`
	TopClients   []TopClient               `json:"top_clients"`
	Health       map[string]map[string]any `json:"health"`
	LastRefresh  int64                     `json:"last_refresh"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

var macSeparators = strings.NewReplacer("-", ":", ".", ":")

var macPattern = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// normalizeMac lowercases and colon-separates a hardware address. Returns ""
// when the input is not a valid MAC in any accepted notation.
func normalizeMac(raw string) string {
	mac := strings.ToLower(strings.TrimSpace(raw))
	mac = macSeparators.Replace(mac)
	if !strings.Contains(mac, ":") && len(mac) == 12 {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(mac[i : i+2])
		}
		mac = b.String()
	}
	if !macPattern.MatchString(mac) {
		return ""
	}
	return mac
}

var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

func isValidIPv4(ip string) bool {
	if !ipv4Pattern.MatchString(ip) {
		return false
	}
	for _, octet := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
