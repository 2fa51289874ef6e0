package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tracked_devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mac_address TEXT NOT NULL UNIQUE,
	friendly_name TEXT NOT NULL DEFAULT '',
	is_connected INTEGER NOT NULL DEFAULT 0,
	is_blocked INTEGER NOT NULL DEFAULT 0,
	is_wired INTEGER NOT NULL DEFAULT 0,
	current_ap_mac TEXT NOT NULL DEFAULT '',
	current_ap_name TEXT NOT NULL DEFAULT '',
	current_switch_mac TEXT NOT NULL DEFAULT '',
	current_switch_name TEXT NOT NULL DEFAULT '',
	current_switch_port INTEGER,
	current_ip_address TEXT NOT NULL DEFAULT '',
	current_signal INTEGER,
	added_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS connection_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL REFERENCES tracked_devices(id) ON DELETE CASCADE,
	is_wired INTEGER NOT NULL DEFAULT 0,
	ap_mac TEXT NOT NULL DEFAULT '',
	ap_name TEXT NOT NULL DEFAULT '',
	switch_mac TEXT NOT NULL DEFAULT '',
	switch_name TEXT NOT NULL DEFAULT '',
	switch_port INTEGER,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	duration_seconds INTEGER,
	signal INTEGER
);
CREATE INDEX IF NOT EXISTS idx_history_device ON connection_history(device_id, connected_at);
CREATE INDEX IF NOT EXISTS idx_history_open ON connection_history(device_id) WHERE disconnected_at IS NULL;

CREATE TABLE IF NOT EXISTS threat_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	flow_id TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	signature_id INTEGER,
	severity INTEGER NOT NULL DEFAULT 3,
	category TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	src_ip TEXT NOT NULL DEFAULT '',
	src_port INTEGER,
	src_mac TEXT NOT NULL DEFAULT '',
	dest_ip TEXT NOT NULL DEFAULT '',
	dest_port INTEGER,
	dest_mac TEXT NOT NULL DEFAULT '',
	protocol TEXT NOT NULL DEFAULT '',
	app_protocol TEXT NOT NULL DEFAULT '',
	iface TEXT NOT NULL DEFAULT '',
	src_country TEXT NOT NULL DEFAULT '',
	src_city TEXT NOT NULL DEFAULT '',
	src_lat REAL,
	src_lon REAL,
	src_asn TEXT NOT NULL DEFAULT '',
	src_org TEXT NOT NULL DEFAULT '',
	dest_country TEXT NOT NULL DEFAULT '',
	dest_city TEXT NOT NULL DEFAULT '',
	dest_lat REAL,
	dest_lon REAL,
	dest_asn TEXT NOT NULL DEFAULT '',
	dest_org TEXT NOT NULL DEFAULT '',
	site_id TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0,
	raw_data TEXT NOT NULL DEFAULT '',
	ignored INTEGER NOT NULL DEFAULT 0,
	ignored_by_rule_id INTEGER,
	fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threats_time ON threat_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_threats_src ON threat_events(src_ip);
CREATE INDEX IF NOT EXISTS idx_threats_rule ON threat_events(ignored_by_rule_id);

CREATE TABLE IF NOT EXISTS threat_ignore_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip_address TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	ignore_high INTEGER NOT NULL DEFAULT 1,
	ignore_medium INTEGER NOT NULL DEFAULT 1,
	ignore_low INTEGER NOT NULL DEFAULT 1,
	match_source INTEGER NOT NULL DEFAULT 1,
	match_destination INTEGER NOT NULL DEFAULT 1,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	events_ignored INTEGER NOT NULL DEFAULT 0,
	last_matched INTEGER
);

CREATE TABLE IF NOT EXISTS device_webhooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	webhook_type TEXT NOT NULL DEFAULT 'generic',
	url TEXT NOT NULL,
	on_connected INTEGER NOT NULL DEFAULT 1,
	on_disconnected INTEGER NOT NULL DEFAULT 1,
	on_roamed INTEGER NOT NULL DEFAULT 0,
	on_blocked INTEGER NOT NULL DEFAULT 1,
	on_unblocked INTEGER NOT NULL DEFAULT 1,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	last_triggered INTEGER
);

CREATE TABLE IF NOT EXISTS threat_webhooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	webhook_type TEXT NOT NULL DEFAULT 'generic',
	url TEXT NOT NULL,
	min_severity INTEGER NOT NULL DEFAULT 3,
	on_alert INTEGER NOT NULL DEFAULT 1,
	on_block INTEGER NOT NULL DEFAULT 1,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	last_triggered INTEGER
);
`

// Store wraps all SQLite access.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// dbtx is satisfied by both *sql.DB and *sql.Tx. Poll cycles pass a
// transaction so every mutation of one cycle commits atomically.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func OpenStore(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver is not safe for concurrent writes on one file
	// without serializing; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// ---- tracked devices ----

const deviceColumns = `id, mac_address, friendly_name, is_connected, is_blocked, is_wired,
	current_ap_mac, current_ap_name, current_switch_mac, current_switch_name, current_switch_port,
	current_ip_address, current_signal, added_at, last_seen`

func scanDevice(row interface{ Scan(...any) error }) (TrackedDevice, error) {
	var d TrackedDevice
	var port, signal sql.NullInt64
	err := row.Scan(&d.ID, &d.MacAddress, &d.FriendlyName, &d.IsConnected, &d.IsBlocked, &d.IsWired,
		&d.CurrentAPMac, &d.CurrentAPName, &d.CurrentSwitchMac, &d.CurrentSwitchName, &port,
		&d.CurrentIPAddress, &signal, &d.AddedAt, &d.LastSeen)
	if err != nil {
		return TrackedDevice{}, err
	}
	d.CurrentSwitchPort = nullableInt(port)
	d.CurrentSignal = nullableInt(signal)
	return d, nil
}

func (s *Store) CreateDevice(ctx context.Context, mac, friendlyName string) (TrackedDevice, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_devices(mac_address, friendly_name, added_at)
		VALUES(?, ?, ?)
	`, mac, friendlyName, now)
	if err != nil {
		return TrackedDevice{}, fmt.Errorf("insert device: %w", err)
	}
	id, _ := res.LastInsertId()
	return TrackedDevice{ID: id, MacAddress: mac, FriendlyName: friendlyName, AddedAt: now}, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]TrackedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM tracked_devices ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []TrackedDevice{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDevice(ctx context.Context, id int64) (TrackedDevice, bool, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM tracked_devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return TrackedDevice{}, false, nil
	}
	if err != nil {
		return TrackedDevice{}, false, fmt.Errorf("get device %d: %w", id, err)
	}
	return d, true, nil
}

func (s *Store) GetDeviceByMac(ctx context.Context, mac string) (TrackedDevice, bool, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM tracked_devices WHERE mac_address = ?`, mac))
	if err == sql.ErrNoRows {
		return TrackedDevice{}, false, nil
	}
	if err != nil {
		return TrackedDevice{}, false, fmt.Errorf("get device %s: %w", mac, err)
	}
	return d, true, nil
}

func (s *Store) UpdateDeviceName(ctx context.Context, id int64, friendlyName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tracked_devices SET friendly_name = ? WHERE id = ?`, friendlyName, id)
	if err != nil {
		return fmt.Errorf("update device name: %w", err)
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_devices WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete device %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SaveDeviceState persists the post-reconcile state columns of one device.
// Pass a transaction from a poll cycle, or nil for a standalone write.
func (s *Store) SaveDeviceState(ctx context.Context, q dbtx, d TrackedDevice) error {
	if q == nil {
		q = s.db
	}
	_, err := q.ExecContext(ctx, `
		UPDATE tracked_devices SET
			is_connected = ?, is_blocked = ?, is_wired = ?,
			current_ap_mac = ?, current_ap_name = ?,
			current_switch_mac = ?, current_switch_name = ?, current_switch_port = ?,
			current_ip_address = ?, current_signal = ?, last_seen = ?
		WHERE id = ?
	`, boolToInt(d.IsConnected), boolToInt(d.IsBlocked), boolToInt(d.IsWired),
		d.CurrentAPMac, d.CurrentAPName,
		d.CurrentSwitchMac, d.CurrentSwitchName, nullableIntArg(d.CurrentSwitchPort),
		d.CurrentIPAddress, nullableIntArg(d.CurrentSignal), d.LastSeen, d.ID)
	if err != nil {
		return fmt.Errorf("save device state %d: %w", d.ID, err)
	}
	return nil
}

// ---- connection history ----

const historyColumns = `id, device_id, is_wired, ap_mac, ap_name, switch_mac, switch_name, switch_port,
	connected_at, disconnected_at, duration_seconds, signal`

func scanHistory(row interface{ Scan(...any) error }) (ConnectionHistory, error) {
	var h ConnectionHistory
	var port, disconnected, duration, signal sql.NullInt64
	err := row.Scan(&h.ID, &h.DeviceID, &h.IsWired, &h.APMac, &h.APName, &h.SwitchMac, &h.SwitchName, &port,
		&h.ConnectedAt, &disconnected, &duration, &signal)
	if err != nil {
		return ConnectionHistory{}, err
	}
	h.SwitchPort = nullableInt(port)
	h.Signal = nullableInt(signal)
	if disconnected.Valid {
		h.DisconnectedAt = &disconnected.Int64
	}
	if duration.Valid {
		h.DurationSeconds = &duration.Int64
	}
	return h, nil
}

// OpenHistory starts a new connection segment for a device.
func (s *Store) OpenHistory(ctx context.Context, q dbtx, h ConnectionHistory) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO connection_history(device_id, is_wired, ap_mac, ap_name, switch_mac, switch_name, switch_port, connected_at, signal)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.DeviceID, boolToInt(h.IsWired), h.APMac, h.APName, h.SwitchMac, h.SwitchName,
		nullableIntArg(h.SwitchPort), h.ConnectedAt, nullableIntArg(h.Signal))
	if err != nil {
		return 0, fmt.Errorf("open history for device %d: %w", h.DeviceID, err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// CloseOpenHistory stamps disconnected_at on every open segment of a device.
// There should never be more than one; if there is, all of them are closed so
// the invariant holds again, and the anomaly is logged.
func (s *Store) CloseOpenHistory(ctx context.Context, q dbtx, deviceID, disconnectedAt int64) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, connected_at FROM connection_history
		WHERE device_id = ? AND disconnected_at IS NULL
		ORDER BY connected_at DESC, id DESC
	`, deviceID)
	if err != nil {
		return fmt.Errorf("find open history for device %d: %w", deviceID, err)
	}
	type openRow struct {
		id          int64
		connectedAt int64
	}
	var open []openRow
	for rows.Next() {
		var r openRow
		if err := rows.Scan(&r.id, &r.connectedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan open history: %w", err)
		}
		open = append(open, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(open) > 1 {
		s.log.Warn("multiple_open_history_rows", "device_id", deviceID, "count", len(open))
	}

	for _, r := range open {
		duration := (disconnectedAt - r.connectedAt) / 1000
		if duration < 0 {
			duration = 0
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE connection_history SET disconnected_at = ?, duration_seconds = ? WHERE id = ?
		`, disconnectedAt, duration, r.id); err != nil {
			return fmt.Errorf("close history %d: %w", r.id, err)
		}
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, deviceID int64, limit, offset int) ([]ConnectionHistory, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connection_history WHERE device_id = ?`, deviceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM connection_history
		WHERE device_id = ?
		ORDER BY connected_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, deviceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := []ConnectionHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// ListHistoryRange returns all segments overlapping [startMs, endMs],
// oldest first, for CSV export.
func (s *Store) ListHistoryRange(ctx context.Context, deviceID, startMs, endMs int64) ([]ConnectionHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM connection_history
		WHERE device_id = ? AND connected_at <= ? AND (disconnected_at IS NULL OR disconnected_at >= ?)
		ORDER BY connected_at ASC, id ASC
	`, deviceID, endMs, startMs)
	if err != nil {
		return nil, fmt.Errorf("list history range: %w", err)
	}
	defer rows.Close()

	out := []ConnectionHistory{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- threat events ----

const threatColumns = `id, event_id, flow_id, timestamp, signature, signature_id, severity, category, action, message,
	src_ip, src_port, src_mac, dest_ip, dest_port, dest_mac, protocol, app_protocol, iface,
	src_country, src_city, src_lat, src_lon, src_asn, src_org,
	dest_country, dest_city, dest_lat, dest_lon, dest_asn, dest_org,
	site_id, archived, raw_data, ignored, ignored_by_rule_id, fetched_at`

func scanThreat(row interface{ Scan(...any) error }) (ThreatEvent, error) {
	var ev ThreatEvent
	var sigID, srcPort, destPort, ruleID sql.NullInt64
	var srcLat, srcLon, destLat, destLon sql.NullFloat64
	err := row.Scan(&ev.ID, &ev.EventID, &ev.FlowID, &ev.Timestamp, &ev.Signature, &sigID, &ev.Severity,
		&ev.Category, &ev.Action, &ev.Message,
		&ev.SrcIP, &srcPort, &ev.SrcMac, &ev.DestIP, &destPort, &ev.DestMac,
		&ev.Protocol, &ev.AppProtocol, &ev.Interface,
		&ev.SrcCountry, &ev.SrcCity, &srcLat, &srcLon, &ev.SrcASN, &ev.SrcOrg,
		&ev.DestCountry, &ev.DestCity, &destLat, &destLon, &ev.DestASN, &ev.DestOrg,
		&ev.SiteID, &ev.Archived, &ev.RawData, &ev.Ignored, &ruleID, &ev.FetchedAt)
	if err != nil {
		return ThreatEvent{}, err
	}
	if sigID.Valid {
		ev.SignatureID = &sigID.Int64
	}
	ev.SrcPort = nullableInt(srcPort)
	ev.DestPort = nullableInt(destPort)
	if ruleID.Valid {
		ev.IgnoredByRuleID = &ruleID.Int64
	}
	if srcLat.Valid {
		ev.SrcLat = &srcLat.Float64
	}
	if srcLon.Valid {
		ev.SrcLon = &srcLon.Float64
	}
	if destLat.Valid {
		ev.DestLat = &destLat.Float64
	}
	if destLon.Valid {
		ev.DestLon = &destLon.Float64
	}
	return ev, nil
}

func (s *Store) ThreatEventExists(ctx context.Context, q dbtx, eventID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM threat_events WHERE event_id = ? LIMIT 1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return true, nil
}

func (s *Store) InsertThreatEvent(ctx context.Context, q dbtx, ev ThreatEvent) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO threat_events(
			event_id, flow_id, timestamp, signature, signature_id, severity, category, action, message,
			src_ip, src_port, src_mac, dest_ip, dest_port, dest_mac, protocol, app_protocol, iface,
			src_country, src_city, src_lat, src_lon, src_asn, src_org,
			dest_country, dest_city, dest_lat, dest_lon, dest_asn, dest_org,
			site_id, archived, raw_data, ignored, ignored_by_rule_id, fetched_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.FlowID, ev.Timestamp, ev.Signature, nullableInt64Arg(ev.SignatureID), ev.Severity,
		ev.Category, ev.Action, ev.Message,
		ev.SrcIP, nullableIntArg(ev.SrcPort), ev.SrcMac, ev.DestIP, nullableIntArg(ev.DestPort), ev.DestMac,
		ev.Protocol, ev.AppProtocol, ev.Interface,
		ev.SrcCountry, ev.SrcCity, nullableFloatArg(ev.SrcLat), nullableFloatArg(ev.SrcLon), ev.SrcASN, ev.SrcOrg,
		ev.DestCountry, ev.DestCity, nullableFloatArg(ev.DestLat), nullableFloatArg(ev.DestLon), ev.DestASN, ev.DestOrg,
		ev.SiteID, boolToInt(ev.Archived), ev.RawData, boolToInt(ev.Ignored), nullableInt64Arg(ev.IgnoredByRuleID), ev.FetchedAt)
	if err != nil {
		return 0, fmt.Errorf("insert threat event %s: %w", ev.EventID, err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// LatestThreatTimestamp returns the newest stored event timestamp in ms.
// Returns ok=false on an empty table.
func (s *Store) LatestThreatTimestamp(ctx context.Context) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM threat_events`).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("latest threat timestamp: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

func (s *Store) ListThreatEvents(ctx context.Context, f ThreatEventFilters) ([]ThreatEvent, int, error) {
	where := []string{"1=1"}
	args := []any{}

	if f.StartMs > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartMs)
	}
	if f.EndMs > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndMs)
	}
	if f.Severity > 0 {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.SrcIP != "" {
		where = append(where, "src_ip = ?")
		args = append(args, f.SrcIP)
	}
	if f.DestIP != "" {
		where = append(where, "dest_ip = ?")
		args = append(args, f.DestIP)
	}
	if f.Search != "" {
		where = append(where, "(signature LIKE ? OR message LIKE ? OR src_ip LIKE ? OR dest_ip LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat, pat, pat)
	}
	if f.Ignored != nil {
		where = append(where, "ignored = ?")
		args = append(args, boolToInt(*f.Ignored))
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threat_events WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threat events: %w", err)
	}

	if f.PageSize <= 0 || f.PageSize > 500 {
		f.PageSize = 50
	}
	if f.Page < 1 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.PageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threatColumns+` FROM threat_events
		WHERE `+cond+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, f.PageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list threat events: %w", err)
	}
	defer rows.Close()

	out := []ThreatEvent{}
	for rows.Next() {
		ev, err := scanThreat(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan threat event: %w", err)
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

func (s *Store) GetThreatEvent(ctx context.Context, id int64) (ThreatEvent, bool, error) {
	ev, err := scanThreat(s.db.QueryRowContext(ctx, `SELECT `+threatColumns+` FROM threat_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ThreatEvent{}, false, nil
	}
	if err != nil {
		return ThreatEvent{}, false, fmt.Errorf("get threat event %d: %w", id, err)
	}
	return ev, true, nil
}

func (s *Store) ThreatStats(ctx context.Context) (ThreatStatsResponse, error) {
	var out ThreatStatsResponse
	now := time.Now().UnixMilli()
	dayAgo := now - 24*60*60*1000
	weekAgo := now - 7*24*60*60*1000

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE ignored = 0),
			COUNT(*) FILTER (WHERE ignored = 0 AND timestamp >= ?),
			COUNT(*) FILTER (WHERE ignored = 0 AND timestamp >= ?),
			COUNT(*) FILTER (WHERE ignored = 0 AND action = 'block'),
			COUNT(*) FILTER (WHERE ignored = 0 AND action = 'alert'),
			COUNT(*) FILTER (WHERE ignored = 1)
		FROM threat_events
	`, dayAgo, weekAgo).Scan(&out.TotalEvents, &out.Events24h, &out.Events7d,
		&out.BlockedCount, &out.AlertCount, &out.IgnoredCount)
	if err != nil {
		return out, fmt.Errorf("threat stat counts: %w", err)
	}

	out.BySeverity = []SeverityCount{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM threat_events WHERE ignored = 0 GROUP BY severity ORDER BY severity
	`)
	if err != nil {
		return out, fmt.Errorf("threat stats by severity: %w", err)
	}
	for rows.Next() {
		var sc SeverityCount
		if err := rows.Scan(&sc.Severity, &sc.Count); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan severity count: %w", err)
		}
		sc.Label = severityLabels[sc.Severity]
		out.BySeverity = append(out.BySeverity, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	grouped := func(query string) ([]NamedCount, error) {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		counts := []NamedCount{}
		for rows.Next() {
			var nc NamedCount
			if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
				return nil, err
			}
			counts = append(counts, nc)
		}
		return counts, rows.Err()
	}

	out.ByCategory, err = grouped(`
		SELECT category, COUNT(*) FROM threat_events
		WHERE ignored = 0 AND category != ''
		GROUP BY category ORDER BY COUNT(*) DESC LIMIT 10
	`)
	if err != nil {
		return out, fmt.Errorf("threat stats by category: %w", err)
	}
	out.ByCountry, err = grouped(`
		SELECT src_country, COUNT(*) FROM threat_events
		WHERE ignored = 0 AND src_country != ''
		GROUP BY src_country ORDER BY COUNT(*) DESC LIMIT 10
	`)
	if err != nil {
		return out, fmt.Errorf("threat stats by country: %w", err)
	}

	out.TopAttackers = []TopAttacker{}
	rows, err = s.db.QueryContext(ctx, `
		SELECT src_ip, COUNT(*), MAX(src_country), MAX(src_org), MAX(timestamp)
		FROM threat_events
		WHERE ignored = 0 AND src_ip != ''
		GROUP BY src_ip ORDER BY COUNT(*) DESC LIMIT 10
	`)
	if err != nil {
		return out, fmt.Errorf("threat stats top attackers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ta TopAttacker
		if err := rows.Scan(&ta.IP, &ta.Count, &ta.Country, &ta.Org, &ta.LastSeen); err != nil {
			return out, fmt.Errorf("scan top attacker: %w", err)
		}
		out.TopAttackers = append(out.TopAttackers, ta)
	}
	return out, rows.Err()
}

// ThreatTimeline buckets non-ignored events into fixed windows of bucketMs.
func (s *Store) ThreatTimeline(ctx context.Context, startMs, endMs, bucketMs int64) ([]TimelinePoint, error) {
	if bucketMs <= 0 {
		bucketMs = 60 * 60 * 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp / ?) * ? AS bucket, COUNT(*)
		FROM threat_events
		WHERE ignored = 0 AND timestamp >= ? AND timestamp <= ?
		GROUP BY bucket ORDER BY bucket
	`, bucketMs, bucketMs, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("threat timeline: %w", err)
	}
	defer rows.Close()

	out := []TimelinePoint{}
	for rows.Next() {
		var p TimelinePoint
		if err := rows.Scan(&p.Timestamp, &p.Count); err != nil {
			return nil, fmt.Errorf("scan timeline point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- ignore rules ----

const ruleColumns = `id, ip_address, description, ignore_high, ignore_medium, ignore_low,
	match_source, match_destination, enabled, created_at, events_ignored, last_matched`

func scanRule(row interface{ Scan(...any) error }) (ThreatIgnoreRule, error) {
	var r ThreatIgnoreRule
	var lastMatched sql.NullInt64
	err := row.Scan(&r.ID, &r.IPAddress, &r.Description, &r.IgnoreHigh, &r.IgnoreMedium, &r.IgnoreLow,
		&r.MatchSource, &r.MatchDestination, &r.Enabled, &r.CreatedAt, &r.EventsIgnored, &lastMatched)
	if err != nil {
		return ThreatIgnoreRule{}, err
	}
	if lastMatched.Valid {
		r.LastMatched = &lastMatched.Int64
	}
	return r, nil
}

// ListIgnoreRules returns rules ordered by id ascending. Ingestion matches in
// this order, so the oldest rule wins ties.
func (s *Store) ListIgnoreRules(ctx context.Context, q dbtx) ([]ThreatIgnoreRule, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM threat_ignore_rules ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ignore rules: %w", err)
	}
	defer rows.Close()

	out := []ThreatIgnoreRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ignore rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetIgnoreRule(ctx context.Context, id int64) (ThreatIgnoreRule, bool, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM threat_ignore_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ThreatIgnoreRule{}, false, nil
	}
	if err != nil {
		return ThreatIgnoreRule{}, false, fmt.Errorf("get ignore rule %d: %w", id, err)
	}
	return r, true, nil
}

func (s *Store) CreateIgnoreRule(ctx context.Context, r ThreatIgnoreRule) (ThreatIgnoreRule, error) {
	r.CreatedAt = time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO threat_ignore_rules(ip_address, description, ignore_high, ignore_medium, ignore_low,
			match_source, match_destination, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.IPAddress, r.Description, boolToInt(r.IgnoreHigh), boolToInt(r.IgnoreMedium), boolToInt(r.IgnoreLow),
		boolToInt(r.MatchSource), boolToInt(r.MatchDestination), boolToInt(r.Enabled), r.CreatedAt)
	if err != nil {
		return ThreatIgnoreRule{}, fmt.Errorf("insert ignore rule: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return r, nil
}

func (s *Store) UpdateIgnoreRule(ctx context.Context, r ThreatIgnoreRule) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threat_ignore_rules SET
			ip_address = ?, description = ?, ignore_high = ?, ignore_medium = ?, ignore_low = ?,
			match_source = ?, match_destination = ?, enabled = ?
		WHERE id = ?
	`, r.IPAddress, r.Description, boolToInt(r.IgnoreHigh), boolToInt(r.IgnoreMedium), boolToInt(r.IgnoreLow),
		boolToInt(r.MatchSource), boolToInt(r.MatchDestination), boolToInt(r.Enabled), r.ID)
	if err != nil {
		return fmt.Errorf("update ignore rule %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) DeleteIgnoreRule(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threat_ignore_rules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete ignore rule %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyIgnoreRule retroactively marks stored events matching the rule and
// bumps its counter by the number of rows changed.
func (s *Store) ApplyIgnoreRule(ctx context.Context, r ThreatIgnoreRule) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_events SET ignored = 1, ignored_by_rule_id = ?
		WHERE ignored = 0
		  AND ((? = 1 AND src_ip = ?) OR (? = 1 AND dest_ip = ?))
		  AND ((severity = 1 AND ? = 1) OR (severity = 2 AND ? = 1) OR (severity = 3 AND ? = 1))
	`, r.ID,
		boolToInt(r.MatchSource), r.IPAddress, boolToInt(r.MatchDestination), r.IPAddress,
		boolToInt(r.IgnoreHigh), boolToInt(r.IgnoreMedium), boolToInt(r.IgnoreLow))
	if err != nil {
		return 0, fmt.Errorf("apply ignore rule %d: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE threat_ignore_rules SET events_ignored = events_ignored + ?, last_matched = ? WHERE id = ?
		`, n, time.Now().UnixMilli(), r.ID); err != nil {
			return n, fmt.Errorf("bump ignore rule counter %d: %w", r.ID, err)
		}
	}
	return n, nil
}

// RemoveIgnoreRuleEffect unmarks every event the rule had ignored.
func (s *Store) RemoveIgnoreRuleEffect(ctx context.Context, ruleID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_events SET ignored = 0, ignored_by_rule_id = NULL WHERE ignored_by_rule_id = ?
	`, ruleID)
	if err != nil {
		return 0, fmt.Errorf("remove ignore rule effect %d: %w", ruleID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ResetIgnoreRuleCounter(ctx context.Context, ruleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threat_ignore_rules SET events_ignored = 0, last_matched = NULL WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("reset ignore rule counter %d: %w", ruleID, err)
	}
	return nil
}

// BumpIgnoreRuleCounters accumulates per-rule match counts from one ingest
// cycle inside that cycle's transaction.
func (s *Store) BumpIgnoreRuleCounters(ctx context.Context, q dbtx, counts map[int64]int64, nowMs int64) error {
	for ruleID, n := range counts {
		if n <= 0 {
			continue
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE threat_ignore_rules SET events_ignored = events_ignored + ?, last_matched = ? WHERE id = ?
		`, n, nowMs, ruleID); err != nil {
			return fmt.Errorf("bump ignore rule counter %d: %w", ruleID, err)
		}
	}
	return nil
}

// ---- webhooks ----

const deviceWebhookColumns = `id, name, webhook_type, url, on_connected, on_disconnected, on_roamed,
	on_blocked, on_unblocked, enabled, created_at, last_triggered`

func scanDeviceWebhook(row interface{ Scan(...any) error }) (DeviceWebhook, error) {
	var w DeviceWebhook
	var lastTriggered sql.NullInt64
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.URL, &w.OnConnected, &w.OnDisconnected, &w.OnRoamed,
		&w.OnBlocked, &w.OnUnblocked, &w.Enabled, &w.CreatedAt, &lastTriggered)
	if err != nil {
		return DeviceWebhook{}, err
	}
	if lastTriggered.Valid {
		w.LastTriggered = &lastTriggered.Int64
	}
	return w, nil
}

func (s *Store) ListDeviceWebhooks(ctx context.Context) ([]DeviceWebhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceWebhookColumns+` FROM device_webhooks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list device webhooks: %w", err)
	}
	defer rows.Close()

	out := []DeviceWebhook{}
	for rows.Next() {
		w, err := scanDeviceWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeviceWebhook(ctx context.Context, w DeviceWebhook) (DeviceWebhook, error) {
	w.CreatedAt = time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_webhooks(name, webhook_type, url, on_connected, on_disconnected, on_roamed,
			on_blocked, on_unblocked, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Name, w.Type, w.URL, boolToInt(w.OnConnected), boolToInt(w.OnDisconnected), boolToInt(w.OnRoamed),
		boolToInt(w.OnBlocked), boolToInt(w.OnUnblocked), boolToInt(w.Enabled), w.CreatedAt)
	if err != nil {
		return DeviceWebhook{}, fmt.Errorf("insert device webhook: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	return w, nil
}

func (s *Store) UpdateDeviceWebhook(ctx context.Context, w DeviceWebhook) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_webhooks SET name = ?, webhook_type = ?, url = ?, on_connected = ?, on_disconnected = ?,
			on_roamed = ?, on_blocked = ?, on_unblocked = ?, enabled = ?
		WHERE id = ?
	`, w.Name, w.Type, w.URL, boolToInt(w.OnConnected), boolToInt(w.OnDisconnected),
		boolToInt(w.OnRoamed), boolToInt(w.OnBlocked), boolToInt(w.OnUnblocked), boolToInt(w.Enabled), w.ID)
	if err != nil {
		return fmt.Errorf("update device webhook %d: %w", w.ID, err)
	}
	return nil
}

func (s *Store) DeleteDeviceWebhook(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_webhooks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete device webhook %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) TouchDeviceWebhook(ctx context.Context, id, triggeredAt int64) {
	if _, err := s.db.ExecContext(ctx, `UPDATE device_webhooks SET last_triggered = ? WHERE id = ?`, triggeredAt, id); err != nil {
		s.log.Warn("touch_device_webhook_failed", "webhook_id", id, "error", err.Error())
	}
}

const threatWebhookColumns = `id, name, webhook_type, url, min_severity, on_alert, on_block,
	enabled, created_at, last_triggered`

func scanThreatWebhook(row interface{ Scan(...any) error }) (ThreatWebhook, error) {
	var w ThreatWebhook
	var lastTriggered sql.NullInt64
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.URL, &w.MinSeverity, &w.OnAlert, &w.OnBlock,
		&w.Enabled, &w.CreatedAt, &lastTriggered)
	if err != nil {
		return ThreatWebhook{}, err
	}
	if lastTriggered.Valid {
		w.LastTriggered = &lastTriggered.Int64
	}
	return w, nil
}

func (s *Store) ListThreatWebhooks(ctx context.Context) ([]ThreatWebhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+threatWebhookColumns+` FROM threat_webhooks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list threat webhooks: %w", err)
	}
	defer rows.Close()

	out := []ThreatWebhook{}
	for rows.Next() {
		w, err := scanThreatWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan threat webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) CreateThreatWebhook(ctx context.Context, w ThreatWebhook) (ThreatWebhook, error) {
	w.CreatedAt = time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO threat_webhooks(name, webhook_type, url, min_severity, on_alert, on_block, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Name, w.Type, w.URL, w.MinSeverity, boolToInt(w.OnAlert), boolToInt(w.OnBlock), boolToInt(w.Enabled), w.CreatedAt)
	if err != nil {
		return ThreatWebhook{}, fmt.Errorf("insert threat webhook: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	return w, nil
}

func (s *Store) UpdateThreatWebhook(ctx context.Context, w ThreatWebhook) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threat_webhooks SET name = ?, webhook_type = ?, url = ?, min_severity = ?,
			on_alert = ?, on_block = ?, enabled = ?
		WHERE id = ?
	`, w.Name, w.Type, w.URL, w.MinSeverity, boolToInt(w.OnAlert), boolToInt(w.OnBlock), boolToInt(w.Enabled), w.ID)
	if err != nil {
		return fmt.Errorf("update threat webhook %d: %w", w.ID, err)
	}
	return nil
}

func (s *Store) DeleteThreatWebhook(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threat_webhooks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete threat webhook %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) TouchThreatWebhook(ctx context.Context, id, triggeredAt int64) {
	if _, err := s.db.ExecContext(ctx, `UPDATE threat_webhooks SET last_triggered = ? WHERE id = ?`, triggeredAt, id); err != nil {
		s.log.Warn("touch_threat_webhook_failed", "webhook_id", id, "error", err.Error())
	}
}

// ---- helpers ----

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableIntArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Arg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
