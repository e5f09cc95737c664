package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLiteStore keeps every scan record plus a devices table upserted
// from the records that answered SNMP.
type SQLiteStore struct {
	db *sql.DB
}

// DeviceRow is one row of the devices table.
type DeviceRow struct {
	DeviceID        string
	IP              string
	SysName         string
	Vendor          string
	DeviceType      string
	Confidence      int
	Model           string
	SerialNumber    string
	FirmwareVersion string
	SNMPVersion     string
	FirstSeen       time.Time
	LastSeen        time.Time
	ScanCount       int
	LastScanID      string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=30000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// WriteReport stores a scan and its records in one transaction.
func (s *SQLiteStore) WriteReport(ctx context.Context, rep *scanner.Report, sessionID string) (err error) {
	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO scans(id, started_at, finished_at, total, reachable, classified, errored, summary_json)
		VALUES(?,?,?,?,?,?,?,?)
	`, sessionID, rep.StartedAt, rep.FinishedAt, rep.Summary.Total, rep.Summary.Reachable,
		rep.Summary.Classified, rep.Summary.Errored, string(summary)); err != nil {
		return fmt.Errorf("insert scan %s failed: %w", sessionID, err)
	}

	recordStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records(scan_id, ip, device_id, reachable, snmp_version, vendor, device_type,
		  confidence, detection_method, model, serial_number, firmware_version, error_kind, error,
		  duration_ms, record_json)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer recordStmt.Close()

	deviceStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices(device_id, ip, sys_name, vendor, device_type, confidence, model,
		  serial_number, firmware_version, snmp_version, first_seen, last_seen, scan_count, last_scan_id)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,1,?)
		ON CONFLICT(device_id) DO UPDATE SET
		  ip=excluded.ip,
		  sys_name=COALESCE(NULLIF(excluded.sys_name, ''), devices.sys_name),
		  vendor=CASE WHEN excluded.vendor IN ('', 'unknown') THEN devices.vendor ELSE excluded.vendor END,
		  device_type=CASE WHEN excluded.vendor IN ('', 'unknown') THEN devices.device_type ELSE excluded.device_type END,
		  confidence=MAX(devices.confidence, excluded.confidence),
		  model=COALESCE(NULLIF(excluded.model, ''), devices.model),
		  serial_number=COALESCE(NULLIF(excluded.serial_number, ''), devices.serial_number),
		  firmware_version=COALESCE(NULLIF(excluded.firmware_version, ''), devices.firmware_version),
		  snmp_version=excluded.snmp_version,
		  last_seen=excluded.last_seen,
		  scan_count=devices.scan_count + 1,
		  last_scan_id=excluded.last_scan_id
	`)
	if err != nil {
		return fmt.Errorf("prepare device upsert: %w", err)
	}
	defer deviceStmt.Close()

	for _, rec := range rep.Records {
		id := deviceID(rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.IP, err)
		}
		if _, err = recordStmt.ExecContext(ctx, sessionID, rec.IP, id, boolToInt(rec.Reachable),
			rec.SNMPVersion, rec.Vendor, rec.DeviceType, rec.Confidence, string(rec.DetectionMethod),
			rec.Model, rec.SerialNumber, rec.FirmwareVersion, string(rec.ErrorKind), rec.Error,
			rec.DurationMS, string(data)); err != nil {
			return fmt.Errorf("insert record %s failed: %w", rec.IP, err)
		}

		if !recordsDevice(rec) {
			continue
		}
		seen := rec.StartedAt
		if seen.IsZero() {
			seen = rep.StartedAt
		}
		if _, err = deviceStmt.ExecContext(ctx, id, rec.IP, rec.SysName, rec.Vendor, rec.DeviceType,
			rec.Confidence, rec.Model, rec.SerialNumber, rec.FirmwareVersion, rec.SNMPVersion,
			seen, seen, sessionID); err != nil {
			return fmt.Errorf("upsert device %s failed: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit scan %s: %w", sessionID, err)
	}
	return nil
}

// Records returns the records of one scan in IP order.
func (s *SQLiteStore) Records(ctx context.Context, sessionID string) ([]scanner.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM records WHERE scan_id=? ORDER BY ip`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query records for %s failed: %w", sessionID, err)
	}
	defer rows.Close()

	var out []scanner.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec scanner.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Device returns one row of the devices table, or false if absent.
func (s *SQLiteStore) Device(ctx context.Context, id string) (DeviceRow, bool, error) {
	var d DeviceRow
	var sysName, vendor, typ, model, serial, firmware, version, lastScan sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, ip, sys_name, vendor, device_type, confidence, model, serial_number,
		  firmware_version, snmp_version, first_seen, last_seen, scan_count, last_scan_id
		FROM devices WHERE device_id=?
	`, id).Scan(&d.DeviceID, &d.IP, &sysName, &vendor, &typ, &d.Confidence, &model, &serial,
		&firmware, &version, &d.FirstSeen, &d.LastSeen, &d.ScanCount, &lastScan)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRow{}, false, nil
	}
	if err != nil {
		return DeviceRow{}, false, fmt.Errorf("get device %s failed: %w", id, err)
	}
	d.SysName, d.Vendor, d.DeviceType = sysName.String, vendor.String, typ.String
	d.Model, d.SerialNumber, d.FirmwareVersion = model.String, serial.String, firmware.String
	d.SNMPVersion, d.LastScanID = version.String, lastScan.String
	return d, true, nil
}

// VendorCounts returns the number of devices per vendor.
func (s *SQLiteStore) VendorCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(vendor, ''), COUNT(*) FROM devices GROUP BY vendor`)
	if err != nil {
		return nil, fmt.Errorf("query vendor counts failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var vendor string
		var n int
		if err := rows.Scan(&vendor, &n); err != nil {
			return nil, err
		}
		counts[vendor] = n
	}
	return counts, rows.Err()
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
