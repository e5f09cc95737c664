package persistence

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JSONDatabase is a device database kept in a single JSON document.
// Every write replaces the file atomically, keeping rotated backups
// next to it.
type JSONDatabase struct {
	path      string
	backupDir string
	log       logrus.FieldLogger

	mu       sync.RWMutex
	database *DeviceDatabase
	now      func() time.Time
}

// OpenJSONDatabase loads path, or starts an empty database when the file
// does not exist yet. Nothing is written until the first WriteReport.
func OpenJSONDatabase(path string, log logrus.FieldLogger) (*JSONDatabase, error) {
	if log == nil {
		log = discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db := &JSONDatabase{
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), "backups"),
		log:       log.WithField("database", path),
		now:       time.Now,
	}

	database, err := LoadDatabase(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		db.database = NewDeviceDatabase()
	case err != nil:
		return nil, err
	default:
		db.database = database
	}
	return db, nil
}

// LoadDatabase reads a database file, plain or gzip compressed.
func LoadDatabase(path string) (*DeviceDatabase, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database file: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var reader io.Reader = br
	if header, err := br.Peek(2); err == nil && header[0] == 0x1f && header[1] == 0x8b {
		gzReader, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	}

	database := NewDeviceDatabase()
	if err := json.NewDecoder(reader).Decode(database); err != nil {
		return nil, fmt.Errorf("failed to decode database %s: %w", path, err)
	}
	if database.Devices == nil {
		database.Devices = make(map[string]Device)
	}
	database.UpdateStatistics()
	return database, nil
}

// Path is the database file location.
func (db *JSONDatabase) Path() string {
	return db.path
}

// save writes the database atomically. Callers hold mu.
func (db *JSONDatabase) save() error {
	db.database.LastUpdated = db.now()
	db.database.TotalDevices = len(db.database.Devices)
	db.database.UpdateStatistics()

	if db.database.Config.BackupEnabled {
		if err := db.createBackup(); err != nil {
			db.log.WithError(err).Warn("Database backup failed")
		}
	}

	tempPath := db.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tempPath)

	if err := db.encode(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tempPath, db.path); err != nil {
		return fmt.Errorf("failed to move temporary file: %w", err)
	}
	return nil
}

func (db *JSONDatabase) encode(w io.Writer) error {
	var gz *gzip.Writer
	if db.database.Config.Compress {
		gz = gzip.NewWriter(w)
		w = gz
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(db.database); err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress database: %w", err)
		}
	}
	return nil
}

// createBackup copies the current file into the backup directory.
func (db *JSONDatabase) createBackup() error {
	source, err := os.Open(db.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open source file for backup: %w", err)
	}
	defer source.Close()

	if err := os.MkdirAll(db.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	now := db.now()
	name := fmt.Sprintf("database_%s_%09d.json", now.Format("20060102_150405"), now.Nanosecond())
	backup, err := os.Create(filepath.Join(db.backupDir, name))
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	if _, err := io.Copy(backup, source); err != nil {
		backup.Close()
		return fmt.Errorf("failed to copy data to backup: %w", err)
	}
	if err := backup.Close(); err != nil {
		return err
	}
	return db.cleanupOldBackups()
}

// cleanupOldBackups keeps the newest BackupCount backups. Names sort by
// creation time.
func (db *JSONDatabase) cleanupOldBackups() error {
	if db.database.Config.BackupCount <= 0 {
		return nil
	}
	backups, err := db.Backups()
	if err != nil {
		return err
	}
	excess := len(backups) - db.database.Config.BackupCount
	for i := 0; i < excess; i++ {
		if err := os.Remove(backups[i]); err != nil {
			return err
		}
	}
	return nil
}

// Backups lists backup files oldest first.
func (db *JSONDatabase) Backups() ([]string, error) {
	entries, err := os.ReadDir(db.backupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "database_") && filepath.Ext(e.Name()) == ".json" {
			backups = append(backups, filepath.Join(db.backupDir, e.Name()))
		}
	}
	sort.Strings(backups)
	return backups, nil
}

// Device returns a device by ID.
func (db *JSONDatabase) Device(id string) (Device, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	device, ok := db.database.Devices[id]
	return device, ok
}

// Devices returns every device ordered by ID.
func (db *JSONDatabase) Devices() []Device {
	db.mu.RLock()
	defer db.mu.RUnlock()

	devices := make([]Device, 0, len(db.database.Devices))
	for _, device := range db.database.Devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// DevicesByVendor returns the devices classified as vendor, ordered by ID.
func (db *JSONDatabase) DevicesByVendor(vendor string) []Device {
	var out []Device
	for _, device := range db.Devices() {
		if device.Vendor == vendor {
			out = append(out, device)
		}
	}
	return out
}

// RecentSessions returns up to limit sessions, newest last.
func (db *JSONDatabase) RecentSessions(limit int) []ScanSession {
	db.mu.RLock()
	defer db.mu.RUnlock()

	sessions := db.database.Sessions
	if len(sessions) > limit {
		sessions = sessions[len(sessions)-limit:]
	}
	return append([]ScanSession(nil), sessions...)
}

// Stats returns statistics as of the last write.
func (db *JSONDatabase) Stats() DatabaseStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.database.Statistics
}

// SetConfig replaces the retention settings. They are persisted with the
// next write.
func (db *JSONDatabase) SetConfig(cfg DatabaseConfig) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.database.Config = cfg
}

// addSession appends a session and trims history. Callers hold mu.
func (db *JSONDatabase) addSession(session ScanSession) {
	db.database.Sessions = append(db.database.Sessions, session)
	if limit := db.database.Config.MaxSessions; limit > 0 && len(db.database.Sessions) > limit {
		excess := len(db.database.Sessions) - limit
		db.database.Sessions = db.database.Sessions[excess:]
	}
}

// cleanup drops stale devices seen fewer than three times, then the
// weakest devices while the database is over MaxDevices. Callers hold mu.
func (db *JSONDatabase) cleanup() int {
	cfg := db.database.Config
	var removed int

	if cfg.AutoCleanup && cfg.StaleAfter > 0 {
		cutoff := db.now().Add(-cfg.StaleAfter)
		for id, device := range db.database.Devices {
			if device.LastSeen.Before(cutoff) && device.ScanCount < 3 {
				delete(db.database.Devices, id)
				removed++
			}
		}
	}

	if cfg.MaxDevices > 0 && len(db.database.Devices) > cfg.MaxDevices {
		devices := make([]Device, 0, len(db.database.Devices))
		for _, d := range db.database.Devices {
			devices = append(devices, d)
		}
		sort.Slice(devices, func(i, j int) bool {
			if devices[i].ConfidenceScore != devices[j].ConfidenceScore {
				return devices[i].ConfidenceScore < devices[j].ConfidenceScore
			}
			if !devices[i].LastSeen.Equal(devices[j].LastSeen) {
				return devices[i].LastSeen.Before(devices[j].LastSeen)
			}
			return devices[i].ID < devices[j].ID
		})
		excess := len(devices) - cfg.MaxDevices
		for _, d := range devices[:excess] {
			delete(db.database.Devices, d.ID)
			removed++
		}
	}

	if removed > 0 {
		db.log.WithField("removed", removed).Info("Database cleanup")
	}
	return removed
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
