package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
)

var (
	// ErrTargetTimeout is recorded when a target exceeds its wall-clock ceiling.
	ErrTargetTimeout = errors.New("target exceeded time limit")
	// ErrCancelled is recorded for targets abandoned by a cancelled scan.
	ErrCancelled = errors.New("scan cancelled")
)

// ErrorKind classifies Record.Error for downstream consumers.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCredentials ErrorKind = "credentials_exhausted"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindInternal    ErrorKind = "internal"
)

func kindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, ErrTargetTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrAllCredentialsExhausted):
		return ErrorKindCredentials
	default:
		return ErrorKindInternal
	}
}

// Record is the terminal result for one target. The JSON field names
// are the report schema consumed downstream and must stay stable.
type Record struct {
	DeviceID        string `json:"device_id"`
	IP              string `json:"ip"`
	Hostname        string `json:"hostname,omitempty"`
	Reachable       bool   `json:"reachable"`
	ResponsivePorts []int  `json:"responsive_ports"`

	SNMPVersion    string `json:"snmp_version,omitempty"`
	CredentialUsed string `json:"credential_used,omitempty"`
	SNMPLatencyMS  int64  `json:"snmp_latency_ms,omitempty"`
	SysDescr       string `json:"sys_descr,omitempty"`
	SysObjectID    string `json:"sys_object_id,omitempty"`
	SysName        string `json:"sys_name,omitempty"`

	Vendor          string                 `json:"vendor"`
	DeviceType      string                 `json:"device_type"`
	Confidence      int                    `json:"confidence"`
	DetectionMethod fingerprint.Method     `json:"detection_method,omitempty"`
	Evidence        []fingerprint.Evidence `json:"evidence,omitempty"`

	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version"`

	RawAttributes map[string]string `json:"raw_attributes,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Err carries the original error for errors.Is checks.
	Err error `json:"-"`

	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Classified reports whether a vendor was identified.
func (r Record) Classified() bool {
	return r.Vendor != "" && r.Vendor != fingerprint.Unknown
}

func (r *Record) setError(err error) {
	r.Err = err
	r.Error = err.Error()
	r.ErrorKind = kindOf(err)
}

func (r *Record) applyAttributes(attrs fingerprint.Attributes, raw bool) {
	r.SNMPVersion = attrs.Version
	r.CredentialUsed = attrs.Credential
	r.SNMPLatencyMS = attrs.Latency.Milliseconds()
	r.SysDescr = attrs.SysDescr()
	r.SysObjectID = attrs.SysObjectID()
	r.SysName = attrs.SysName()
	if raw {
		r.RawAttributes = attrs.Clone().Values
	}
}

func (r *Record) applyVerdict(v fingerprint.Verdict, f fingerprint.Fields) {
	r.Vendor = v.Vendor
	r.DeviceType = v.DeviceType
	r.Confidence = v.Confidence
	r.DetectionMethod = v.Method
	r.Evidence = v.Evidence
	r.Model = f.Model
	r.SerialNumber = f.Serial
	r.FirmwareVersion = f.Firmware
}

// unknownVerdict is recorded for reachable targets whose negotiation
// failed, so every reachable target still carries one verdict.
var unknownVerdict = fingerprint.Verdict{
	Vendor:     fingerprint.Unknown,
	DeviceType: fingerprint.Unknown,
	Method:     fingerprint.MethodNone,
}

var genericHostnames = map[string]bool{
	"printer":   true,
	"ups":       true,
	"switch":    true,
	"router":    true,
	"device":    true,
	"unknown":   true,
	"localhost": true,
	"default":   true,
	"zt231":     true,
	"zt410":     true,
	"zt411":     true,
	"zt610":     true,
	"zd410":     true,
	"zd420":     true,
}

// DeviceID derives a stable identity for a device. A descriptive name
// (hostname, else sysName) gives host_<name>; short or generic names
// fall back to ip_<address>.
func DeviceID(ip, hostname, sysName string) string {
	name := hostname
	if name == "" || name == ip {
		name = sysName
	}
	clean := strings.ToLower(strings.TrimSpace(name))
	if clean != "" && clean != ip && len(clean) > 4 && !genericHostnames[clean] {
		return fmt.Sprintf("host_%s", strings.NewReplacer(".", "_", " ", "_").Replace(clean))
	}
	return fmt.Sprintf("ip_%s", strings.NewReplacer(".", "_", ":", "_").Replace(ip))
}
