package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Standard system group OIDs.
const (
	OIDSysDescr    = "1.3.6.1.2.1.1.1.0"
	OIDSysObjectID = "1.3.6.1.2.1.1.2.0"
	OIDSysUpTime   = "1.3.6.1.2.1.1.3.0"
	OIDSysContact  = "1.3.6.1.2.1.1.4.0"
	OIDSysName     = "1.3.6.1.2.1.1.5.0"
	OIDSysLocation = "1.3.6.1.2.1.1.6.0"
	OIDSysServices = "1.3.6.1.2.1.1.7.0"
)

// ErrNotConnected is returned by request methods called before Connect.
var ErrNotConnected = errors.New("snmp: not connected")

// Client represents an SNMP session against one agent.
type Client struct {
	Target    string
	Port      uint16
	Community string
	Version   gosnmp.SnmpVersion
	Timeout   time.Duration
	Retries   int

	// SNMPv3 settings
	Username       string
	AuthProtocol   gosnmp.SnmpV3AuthProtocol
	AuthPassphrase string
	PrivProtocol   gosnmp.SnmpV3PrivProtocol
	PrivPassphrase string
	SecurityLevel  gosnmp.SnmpV3MsgFlags
	ContextName    string

	conn *gosnmp.GoSNMP
}

// NewClient creates a v2c client with default settings.
func NewClient(target string, port uint16) *Client {
	return &Client{
		Target:    target,
		Port:      port,
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   3 * time.Second,
		Retries:   1,
	}
}

// NewSNMPv3Client creates a v3 client. The security level is derived
// from which protocols are set.
func NewSNMPv3Client(target string, port uint16, username string, auth gosnmp.SnmpV3AuthProtocol, authKey string, priv gosnmp.SnmpV3PrivProtocol, privKey string) *Client {
	level := gosnmp.NoAuthNoPriv
	if auth != gosnmp.NoAuth {
		level = gosnmp.AuthNoPriv
		if priv != gosnmp.NoPriv {
			level = gosnmp.AuthPriv
		}
	}
	return &Client{
		Target:         target,
		Port:           port,
		Version:        gosnmp.Version3,
		Timeout:        3 * time.Second,
		Retries:        1,
		Username:       username,
		AuthProtocol:   auth,
		AuthPassphrase: authKey,
		PrivProtocol:   priv,
		PrivPassphrase: privKey,
		SecurityLevel:  level,
	}
}

// Connect opens the UDP socket. For v3 the engine discovery happens
// lazily on the first request.
func (c *Client) Connect(ctx context.Context) error {
	if net.ParseIP(c.Target) == nil {
		return fmt.Errorf("invalid IP address: %s", c.Target)
	}

	c.conn = &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    c.Target,
		Port:      c.Port,
		Transport: "udp",
		Community: c.Community,
		Version:   c.Version,
		Timeout:   c.Timeout,
		Retries:   c.Retries,
		MaxOids:   gosnmp.MaxOids,
	}

	if c.Version == gosnmp.Version3 {
		c.conn.SecurityModel = gosnmp.UserSecurityModel
		c.conn.MsgFlags = c.SecurityLevel
		c.conn.ContextName = c.ContextName
		c.conn.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 c.Username,
			AuthenticationProtocol:   c.AuthProtocol,
			AuthenticationPassphrase: c.AuthPassphrase,
			PrivacyProtocol:          c.PrivProtocol,
			PrivacyPassphrase:        c.PrivPassphrase,
		}
	}

	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", c.Target, c.Port, err)
	}
	return nil
}

// Close closes the SNMP connection
func (c *Client) Close() error {
	if c.conn != nil && c.conn.Conn != nil {
		return c.conn.Conn.Close()
	}
	return nil
}

// Get performs an SNMP GET for a single OID. Absent objects come back as
// an empty string with a nil error.
func (c *Client) Get(ctx context.Context, oid string) (string, error) {
	values, err := c.get(ctx, []string{oid})
	if err != nil {
		return "", err
	}
	return values[NormalizeOID(oid)], nil
}

// GetMany fetches many OIDs, batching them into requests of at most
// MaxOids varbinds. A batch the agent rejects is retried one OID at a
// time so a single bad OID cannot hide the rest. The returned map only
// contains OIDs that yielded a usable value.
func (c *Client) GetMany(ctx context.Context, oids []string) (map[string]string, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	size := c.conn.MaxOids
	if size <= 0 {
		size = gosnmp.MaxOids
	}

	values := make(map[string]string, len(oids))
	for start := 0; start < len(oids); start += size {
		if err := ctx.Err(); err != nil {
			return values, err
		}
		end := min(start+size, len(oids))
		batch := oids[start:end]

		got, err := c.get(ctx, batch)
		if err == nil {
			for k, v := range got {
				values[k] = v
			}
			continue
		}
		if len(batch) == 1 {
			continue
		}
		for _, oid := range batch {
			if ctx.Err() != nil {
				return values, ctx.Err()
			}
			one, err := c.get(ctx, []string{oid})
			if err != nil {
				continue
			}
			for k, v := range one {
				values[k] = v
			}
		}
	}
	return values, nil
}

func (c *Client) get(ctx context.Context, oids []string) (map[string]string, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	c.conn.Context = ctx

	result, err := c.conn.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("SNMP GET failed for %d OIDs: %w", len(oids), err)
	}
	if result.Error != gosnmp.NoError {
		return nil, fmt.Errorf("SNMP GET error status %s", result.Error)
	}

	values := make(map[string]string, len(result.Variables))
	for _, variable := range result.Variables {
		value := formatValue(variable)
		if !IsValidValue(value) {
			continue
		}
		values[NormalizeOID(variable.Name)] = value
	}
	return values, nil
}

// GetBulk performs an SNMP GETBULK operation
func (c *Client) GetBulk(ctx context.Context, oid string, nonRepeaters, maxRepetitions uint8) ([]SNMPVariable, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	c.conn.Context = ctx

	// gosnmp expects: nonRepeaters as uint8, maxRepetitions as uint32
	result, err := c.conn.GetBulk([]string{oid}, nonRepeaters, uint32(maxRepetitions))
	if err != nil {
		return nil, fmt.Errorf("SNMP GETBULK failed for OID %s: %w", oid, err)
	}

	variables := make([]SNMPVariable, 0, len(result.Variables))
	for _, variable := range result.Variables {
		variables = append(variables, SNMPVariable{
			OID:   NormalizeOID(variable.Name),
			Value: formatValue(variable),
			Type:  variable.Type.String(),
		})
	}
	return variables, nil
}

// formatValue formats an SNMP variable value as a string. Exception
// values (noSuchObject, noSuchInstance, endOfMibView) format as "".
func formatValue(variable gosnmp.SnmpPDU) string {
	switch variable.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return ""
	case gosnmp.OctetString:
		if bytes, ok := variable.Value.([]byte); ok {
			return strings.TrimSpace(string(bytes))
		}
		return fmt.Sprintf("%v", variable.Value)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(variable.Value).String()
	case gosnmp.TimeTicks:
		if ticks, ok := variable.Value.(uint32); ok {
			// 1 tick = 10ms
			duration := time.Duration(ticks) * 10 * time.Millisecond
			return fmt.Sprintf("%s (%d ticks)", duration.String(), ticks)
		}
		return fmt.Sprintf("%v", variable.Value)
	case gosnmp.ObjectIdentifier:
		if s, ok := variable.Value.(string); ok {
			return NormalizeOID(s)
		}
		return fmt.Sprintf("%v", variable.Value)
	case gosnmp.IPAddress:
		if s, ok := variable.Value.(string); ok {
			return s
		}
		if bytes, ok := variable.Value.([]byte); ok && len(bytes) == 4 {
			return fmt.Sprintf("%d.%d.%d.%d", bytes[0], bytes[1], bytes[2], bytes[3])
		}
		return fmt.Sprintf("%v", variable.Value)
	default:
		return fmt.Sprintf("%v", variable.Value)
	}
}

var invalidResponses = []string{
	"no such object currently exists at this oid",
	"no such instance currently exists at this oid",
	"end of mib",
	"nosuchobject",
	"nosuchinstance",
}

// IsValidValue reports whether value carries real data rather than an
// empty string or one of the textual exception markers some agents
// return in place of a proper exception varbind.
func IsValidValue(value string) bool {
	value = strings.TrimSpace(value)
	switch value {
	case "", "NULL", "None", `""`, "<nil>":
		return false
	}
	lower := strings.ToLower(value)
	for _, invalid := range invalidResponses {
		if strings.Contains(lower, invalid) {
			return false
		}
	}
	return true
}

// NormalizeOID strips the leading dot gosnmp puts on OID names.
func NormalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

// ValidOID reports whether oid is a dotted-numeric object identifier
// with at least two arcs.
func ValidOID(oid string) bool {
	oid = NormalizeOID(oid)
	parts := strings.Split(oid, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return false
		}
	}
	return true
}

// SNMPVariable represents an SNMP variable
type SNMPVariable struct {
	OID   string `json:"oid"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// AuthProtocolFromString converts string to gosnmp auth protocol
func AuthProtocolFromString(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(protocol) {
	case "MD5":
		return gosnmp.MD5
	case "SHA", "SHA1":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

// PrivProtocolFromString converts string to gosnmp priv protocol
func PrivProtocolFromString(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(protocol) {
	case "DES":
		return gosnmp.DES
	case "AES", "AES128":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	case "AES192C":
		return gosnmp.AES192C
	case "AES256C":
		return gosnmp.AES256C
	default:
		return gosnmp.NoPriv
	}
}

// ParseTimeout parses a timeout given either as seconds ("2.5") or as a
// Go duration ("2500ms").
func ParseTimeout(timeoutStr string) (time.Duration, error) {
	if timeoutStr == "" {
		return 3 * time.Second, nil
	}

	if seconds, err := strconv.ParseFloat(timeoutStr, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}

	return time.ParseDuration(timeoutStr)
}
