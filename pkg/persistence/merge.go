package persistence

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// SessionID returns a unique scan identifier such as
// scan_20250101_120000_1a2b3c4d.
func SessionID(now time.Time) string {
	timestamp := now.Format("20060102_150405")
	hash := md5.Sum([]byte(fmt.Sprintf("%s%d", timestamp, now.UnixNano())))
	return fmt.Sprintf("scan_%s_%x", timestamp, hash[:4])
}

// recordsDevice reports whether a record describes a device worth
// keeping: it answered SNMP with one of the credentials.
func recordsDevice(rec scanner.Record) bool {
	return rec.Reachable && rec.SNMPVersion != ""
}

func deviceID(rec scanner.Record) string {
	if rec.DeviceID != "" {
		return rec.DeviceID
	}
	return scanner.DeviceID(rec.IP, rec.Hostname, rec.SysName)
}

func observe(rec scanner.Record) Observation {
	return Observation{
		DeviceID:        deviceID(rec),
		IPAddress:       rec.IP,
		Hostname:        rec.Hostname,
		Ports:           rec.ResponsivePorts,
		Vendor:          rec.Vendor,
		DeviceType:      rec.DeviceType,
		Model:           rec.Model,
		SerialNumber:    rec.SerialNumber,
		FirmwareVersion: rec.FirmwareVersion,
		SysObjectID:     rec.SysObjectID,
		SysDescr:        rec.SysDescr,
		SysName:         rec.SysName,
		SNMPVersion:     rec.SNMPVersion,
		SNMPData:        rec.RawAttributes,
		ConfidenceScore: rec.Confidence,
		DetectionMethod: string(rec.DetectionMethod),
		ScanTimestamp:   rec.StartedAt,
	}
}

// WriteReport merges a finished scan into the database and saves it.
// Records that answered SNMP become or update devices; failed targets
// are kept as session errors.
func (db *JSONDatabase) WriteReport(rep *scanner.Report, sessionID string) (ScanSession, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := db.now()
	session := ScanSession{
		ID:        sessionID,
		Timestamp: rep.StartedAt,
		ScanType:  "snmp_discovery",
		Duration:  rep.FinishedAt.Sub(rep.StartedAt),
		Targets:   len(rep.Records),
		Results:   []Observation{},
		Summary:   &rep.Summary,
	}
	if session.Timestamp.IsZero() {
		session.Timestamp = now
	}

	for _, rec := range rep.Records {
		if rec.Error != "" {
			session.Errors = append(session.Errors, ScanError{
				Message:   rec.Error,
				Timestamp: now,
				IP:        rec.IP,
				ErrorType: string(rec.ErrorKind),
			})
		}
		if !recordsDevice(rec) {
			continue
		}

		obs := observe(rec)
		if obs.ScanTimestamp.IsZero() {
			obs.ScanTimestamp = now
		}
		session.Results = append(session.Results, obs)

		if existing, ok := db.database.Devices[obs.DeviceID]; ok {
			db.database.Devices[obs.DeviceID] = mergeDevice(existing, obs, sessionID)
			session.UpdatedDevices++
		} else {
			db.database.Devices[obs.DeviceID] = newDevice(obs, sessionID)
			session.NewDevices++
		}
	}
	session.DevicesFound = len(session.Results)

	db.addSession(session)
	db.cleanup()
	if err := db.save(); err != nil {
		return session, err
	}
	db.log.WithFields(logrus.Fields{
		"session": sessionID,
		"new":     session.NewDevices,
		"updated": session.UpdatedDevices,
	}).Info("Recorded scan")
	return session, nil
}

func identityOf(obs Observation) (string, IdentityStrength) {
	method, strength := "ip_address", IdentityWeak
	if strings.HasPrefix(obs.DeviceID, "host_") {
		method, strength = "hostname", IdentityModerate
	}
	if obs.SerialNumber != "" {
		method, strength = method+"+serial", strength+1
	}
	return method, strength
}

func newDevice(obs Observation, sessionID string) Device {
	method, strength := identityOf(obs)
	device := Device{
		ID:                 obs.DeviceID,
		PrimaryIP:          obs.IPAddress,
		AllIPs:             []string{obs.IPAddress},
		Hostname:           obs.Hostname,
		Interfaces:         make(map[string]InterfaceInfo),
		Vendor:             obs.Vendor,
		DeviceType:         obs.DeviceType,
		Model:              obs.Model,
		SerialNumber:       obs.SerialNumber,
		FirmwareVersion:    obs.FirmwareVersion,
		SysObjectID:        obs.SysObjectID,
		SysDescr:           obs.SysDescr,
		SysName:            obs.SysName,
		SNMPVersion:        obs.SNMPVersion,
		FirstSeen:          obs.ScanTimestamp,
		LastSeen:           obs.ScanTimestamp,
		ScanCount:          1,
		LastScanID:         sessionID,
		IdentityMethod:     method,
		IdentityConfidence: strength,
		ConfidenceScore:    obs.ConfidenceScore,
		DetectionMethod:    obs.DetectionMethod,
	}
	if obs.SNMPData != nil {
		device.SNMPDataByIP = map[string]map[string]string{obs.IPAddress: obs.SNMPData}
	}
	device.Interfaces[interfaceKey(obs.IPAddress)] = interfaceOf(&device, obs)
	return device
}

func interfaceKey(ip string) string {
	return "ip_" + ip
}

func interfaceOf(d *Device, obs Observation) InterfaceInfo {
	typ := "data"
	if obs.IPAddress == d.PrimaryIP || d.IsManagementIP(obs.IPAddress) {
		typ = "management"
	}
	return InterfaceInfo{
		IPAddress: obs.IPAddress,
		Type:      typ,
		Ports:     obs.Ports,
		LastSeen:  obs.ScanTimestamp,
	}
}

// mergeDevice folds a new sighting into an existing device. The newest
// non-empty value wins for volatile fields; the longer value wins for
// model and hostname. Consistent sightings raise confidence by 10.
func mergeDevice(existing Device, obs Observation, sessionID string) Device {
	merged := existing

	if obs.ScanTimestamp.After(merged.LastSeen) {
		merged.LastSeen = obs.ScanTimestamp
	}
	merged.ScanCount++
	merged.LastScanID = sessionID
	merged.AllIPs = append([]string(nil), existing.AllIPs...)
	merged.AddIP(obs.IPAddress)

	if obs.SNMPData != nil {
		byIP := make(map[string]map[string]string, len(existing.SNMPDataByIP)+1)
		for ip, data := range existing.SNMPDataByIP {
			byIP[ip] = data
		}
		byIP[obs.IPAddress] = obs.SNMPData
		merged.SNMPDataByIP = byIP
	}

	if obs.FirmwareVersion != "" {
		merged.FirmwareVersion = obs.FirmwareVersion
	}
	if obs.SerialNumber != "" && merged.SerialNumber == "" {
		merged.SerialNumber = obs.SerialNumber
	}
	if obs.Model != "" && len(obs.Model) > len(existing.Model) {
		merged.Model = obs.Model
	}
	if obs.Hostname != "" && len(obs.Hostname) > len(existing.Hostname) {
		merged.Hostname = obs.Hostname
	}
	for _, v := range []struct {
		dst *string
		src string
	}{
		{&merged.SysObjectID, obs.SysObjectID},
		{&merged.SysDescr, obs.SysDescr},
		{&merged.SysName, obs.SysName},
		{&merged.SNMPVersion, obs.SNMPVersion},
	} {
		if v.src != "" {
			*v.dst = v.src
		}
	}

	classified := obs.Vendor != "" && obs.Vendor != fingerprint.Unknown
	if classified && (existing.Vendor == "" || existing.Vendor == fingerprint.Unknown || obs.ConfidenceScore >= existing.ConfidenceScore) {
		merged.Vendor = obs.Vendor
		merged.DeviceType = obs.DeviceType
		merged.DetectionMethod = obs.DetectionMethod
	}
	merged.ConfidenceScore = max(existing.ConfidenceScore, obs.ConfidenceScore)
	if merged.Vendor != fingerprint.Unknown && isConsistentData(existing, obs) {
		merged.ConfidenceScore = min(100, merged.ConfidenceScore+10)
	}

	method, strength := identityOf(Observation{DeviceID: merged.ID, SerialNumber: merged.SerialNumber})
	if strength > existing.IdentityConfidence {
		merged.IdentityMethod, merged.IdentityConfidence = method, strength
	}

	merged.Interfaces = make(map[string]InterfaceInfo, len(existing.Interfaces)+1)
	for k, v := range existing.Interfaces {
		merged.Interfaces[k] = v
	}
	merged.Interfaces[interfaceKey(obs.IPAddress)] = interfaceOf(&merged, obs)
	return merged
}

// isConsistentData reports whether at least 70% of the identity fields
// both sightings carry agree. No overlap counts as consistent.
func isConsistentData(existing Device, obs Observation) bool {
	checks, passed := 0, 0
	for _, pair := range [][2]string{
		{existing.Vendor, obs.Vendor},
		{existing.Model, obs.Model},
		{existing.SysObjectID, obs.SysObjectID},
		{existing.SerialNumber, obs.SerialNumber},
	} {
		if pair[0] == "" || pair[1] == "" {
			continue
		}
		checks++
		if pair[0] == pair[1] {
			passed++
		}
	}
	if checks == 0 {
		return true
	}
	return float64(passed)/float64(checks) >= 0.7
}
