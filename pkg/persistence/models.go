// Package persistence keeps discovered devices across scans: a JSON
// device database that merges repeated sightings into one device, and a
// SQLite store for per-scan records.
package persistence

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// IdentityStrength represents how confident we are in device identification
type IdentityStrength int

const (
	IdentityWeak IdentityStrength = iota
	IdentityModerate
	IdentityStrong
)

func (is IdentityStrength) String() string {
	switch is {
	case IdentityStrong:
		return "strong"
	case IdentityModerate:
		return "moderate"
	case IdentityWeak:
		return "weak"
	default:
		return "unknown"
	}
}

// InterfaceInfo is one address a device answered on.
type InterfaceInfo struct {
	IPAddress string    `json:"ip_address"`
	Type      string    `json:"type"` // management or data
	Ports     []int     `json:"responsive_ports,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Device is the merged view of every sighting of one device.
type Device struct {
	ID        string   `json:"id"`
	PrimaryIP string   `json:"primary_ip"`
	AllIPs    []string `json:"all_ips"`
	Hostname  string   `json:"hostname,omitempty"`

	Interfaces map[string]InterfaceInfo `json:"interfaces,omitempty"`

	Vendor          string `json:"vendor"`
	DeviceType      string `json:"device_type"`
	Model           string `json:"model,omitempty"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`

	SysObjectID string `json:"sys_object_id,omitempty"`
	SysDescr    string `json:"sys_descr,omitempty"`
	SysName     string `json:"sys_name,omitempty"`
	SNMPVersion string `json:"snmp_version,omitempty"`

	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	ScanCount  int       `json:"scan_count"`
	LastScanID string    `json:"last_scan_id"`

	IdentityMethod     string           `json:"identity_method"`
	IdentityConfidence IdentityStrength `json:"identity_confidence"`

	// Raw attributes per address, present when scans ran with raw output.
	SNMPDataByIP map[string]map[string]string `json:"snmp_data_by_ip,omitempty"`

	ConfidenceScore int    `json:"confidence_score"`
	DetectionMethod string `json:"detection_method"`
}

// Observation is what one scan learned about one address.
type Observation struct {
	DeviceID        string            `json:"device_id"`
	IPAddress       string            `json:"ip_address"`
	Hostname        string            `json:"hostname,omitempty"`
	Ports           []int             `json:"responsive_ports,omitempty"`
	Vendor          string            `json:"vendor"`
	DeviceType      string            `json:"device_type"`
	Model           string            `json:"model,omitempty"`
	SerialNumber    string            `json:"serial_number,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	SysObjectID     string            `json:"sys_object_id,omitempty"`
	SysDescr        string            `json:"sys_descr,omitempty"`
	SysName         string            `json:"sys_name,omitempty"`
	SNMPVersion     string            `json:"snmp_version"`
	SNMPData        map[string]string `json:"snmp_data,omitempty"`
	ConfidenceScore int               `json:"confidence_score"`
	DetectionMethod string            `json:"detection_method"`
	ScanTimestamp   time.Time         `json:"scan_timestamp"`
}

// ScanError is a per-target failure kept with its session.
type ScanError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip,omitempty"`
	ErrorType string    `json:"error_type,omitempty"`
}

// ScanSession is one recorded scan.
type ScanSession struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	ScanType       string           `json:"scan_type"`
	Duration       time.Duration    `json:"duration"`
	Targets        int              `json:"targets"`
	DevicesFound   int              `json:"devices_found"`
	NewDevices     int              `json:"new_devices"`
	UpdatedDevices int              `json:"updated_devices"`
	Results        []Observation    `json:"results"`
	Errors         []ScanError      `json:"errors,omitempty"`
	Summary        *scanner.Summary `json:"summary,omitempty"`
}

// DatabaseStats provides statistics about the device database
type DatabaseStats struct {
	TotalDevices        int            `json:"total_devices"`
	TotalSessions       int            `json:"total_sessions"`
	VendorBreakdown     map[string]int `json:"vendor_breakdown"`
	TypeBreakdown       map[string]int `json:"type_breakdown"`
	ConfidenceBreakdown map[string]int `json:"confidence_breakdown"`
	VersionBreakdown    map[string]int `json:"version_breakdown"`
	LastScanDate        time.Time      `json:"last_scan_date"`
	OldestDevice        time.Time      `json:"oldest_device"`
	AvgConfidence       float64        `json:"avg_confidence"`
	DevicesPerSubnet    map[string]int `json:"devices_per_subnet"`
	ErrorStats          map[string]int `json:"error_stats"`
}

// DeviceDatabase is the on-disk document.
type DeviceDatabase struct {
	Version      string            `json:"version"`
	LastUpdated  time.Time         `json:"last_updated"`
	TotalDevices int               `json:"total_devices"`
	Devices      map[string]Device `json:"devices"` // keyed by device ID
	Sessions     []ScanSession     `json:"sessions"`
	Statistics   DatabaseStats     `json:"statistics"`
	Config       DatabaseConfig    `json:"config"`
}

// DatabaseConfig holds retention settings stored with the database.
type DatabaseConfig struct {
	MaxSessions   int           `json:"max_sessions"`
	MaxDevices    int           `json:"max_devices"`
	AutoCleanup   bool          `json:"auto_cleanup"`
	StaleAfter    time.Duration `json:"stale_after"`
	BackupEnabled bool          `json:"backup_enabled"`
	BackupCount   int           `json:"backup_count"`
	Compress      bool          `json:"compress"`
}

// AddIP adds a new IP address to the device if not already present
func (d *Device) AddIP(ip string) bool {
	if d.HasIP(ip) {
		return false
	}
	d.AllIPs = append(d.AllIPs, ip)
	return true
}

// HasIP checks if the device has a specific IP address
func (d *Device) HasIP(ip string) bool {
	for _, existingIP := range d.AllIPs {
		if existingIP == ip {
			return true
		}
	}
	return false
}

// GetSubnet returns the /24 of the primary address, empty for IPv6.
func (d *Device) GetSubnet() string {
	ip := net.ParseIP(d.PrimaryIP)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	return ""
}

// IsManagementIP reports whether ip looks like a management address:
// a .1 host or a common management VLAN octet.
func (d *Device) IsManagementIP(ip string) bool {
	ipAddr := net.ParseIP(ip)
	if ipAddr == nil {
		return false
	}
	ipBytes := ipAddr.To4()
	if ipBytes == nil {
		return false
	}
	if ipBytes[3] == 1 {
		return true
	}
	for _, vlan := range []byte{1, 99, 100, 254} {
		if ipBytes[2] == vlan {
			return true
		}
	}
	return false
}

// GetDisplayName returns the best available name for the device
func (d *Device) GetDisplayName() string {
	if d.Hostname != "" {
		return d.Hostname
	}
	if d.SysName != "" {
		return d.SysName
	}
	return d.PrimaryIP
}

func confidenceRange(score int) string {
	switch {
	case score >= 80:
		return "high"
	case score >= 50:
		return "medium"
	default:
		return "low"
	}
}

// UpdateStatistics recalculates database statistics
func (db *DeviceDatabase) UpdateStatistics() {
	stats := DatabaseStats{
		TotalDevices:        len(db.Devices),
		TotalSessions:       len(db.Sessions),
		VendorBreakdown:     make(map[string]int),
		TypeBreakdown:       make(map[string]int),
		ConfidenceBreakdown: make(map[string]int),
		VersionBreakdown:    make(map[string]int),
		DevicesPerSubnet:    make(map[string]int),
		ErrorStats:          make(map[string]int),
	}

	var totalConfidence int
	for _, device := range db.Devices {
		if device.Vendor != "" {
			stats.VendorBreakdown[device.Vendor]++
		}
		if device.DeviceType != "" {
			stats.TypeBreakdown[device.DeviceType]++
		}
		if device.SNMPVersion != "" {
			stats.VersionBreakdown[device.SNMPVersion]++
		}
		if subnet := device.GetSubnet(); subnet != "" {
			stats.DevicesPerSubnet[subnet]++
		}
		stats.ConfidenceBreakdown[confidenceRange(device.ConfidenceScore)]++
		totalConfidence += device.ConfidenceScore

		if stats.OldestDevice.IsZero() || device.FirstSeen.Before(stats.OldestDevice) {
			stats.OldestDevice = device.FirstSeen
		}
		if device.LastSeen.After(stats.LastScanDate) {
			stats.LastScanDate = device.LastSeen
		}
	}
	if len(db.Devices) > 0 {
		stats.AvgConfidence = float64(totalConfidence) / float64(len(db.Devices))
	}

	for _, session := range db.Sessions {
		for _, err := range session.Errors {
			if err.ErrorType != "" {
				stats.ErrorStats[err.ErrorType]++
			} else {
				stats.ErrorStats["general"]++
			}
		}
	}

	db.Statistics = stats
}

// NewDeviceDatabase returns an empty database with default retention.
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		Version:     "2.0.0",
		LastUpdated: time.Now(),
		Devices:     make(map[string]Device),
		Sessions:    make([]ScanSession, 0),
		Config: DatabaseConfig{
			MaxSessions:   100,
			MaxDevices:    10000,
			AutoCleanup:   true,
			StaleAfter:    30 * 24 * time.Hour,
			BackupEnabled: true,
			BackupCount:   5,
		},
	}
	db.UpdateStatistics()
	return db
}

// Durations are stored as strings ("1m30s") so the file stays readable.

func (ss ScanSession) MarshalJSON() ([]byte, error) {
	type Alias ScanSession
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(ss),
		Duration: ss.Duration.String(),
	})
}

func (ss *ScanSession) UnmarshalJSON(data []byte) error {
	type Alias ScanSession
	aux := &struct {
		*Alias
		Duration string `json:"duration"`
	}{
		Alias: (*Alias)(ss),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Duration == "" {
		ss.Duration = 0
		return nil
	}
	duration, err := time.ParseDuration(aux.Duration)
	if err != nil {
		return err
	}
	ss.Duration = duration
	return nil
}

func (c DatabaseConfig) MarshalJSON() ([]byte, error) {
	type Alias DatabaseConfig
	return json.Marshal(&struct {
		Alias
		StaleAfter string `json:"stale_after"`
	}{
		Alias:      Alias(c),
		StaleAfter: c.StaleAfter.String(),
	})
}

func (c *DatabaseConfig) UnmarshalJSON(data []byte) error {
	type Alias DatabaseConfig
	aux := &struct {
		*Alias
		StaleAfter string `json:"stale_after"`
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.StaleAfter == "" {
		return nil
	}
	d, err := time.ParseDuration(aux.StaleAfter)
	if err != nil {
		return err
	}
	c.StaleAfter = d
	return nil
}
