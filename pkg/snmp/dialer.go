package snmp

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Credential is one authentication attempt: a v2c community or a v3
// USM profile.
type Credential struct {
	Version   gosnmp.SnmpVersion
	Community string

	Username     string
	AuthProtocol string
	AuthKey      string
	PrivProtocol string
	PrivKey      string
}

// Label renders the credential the way it appears in device records.
// The community or username is the only secret-free identifier.
func (c Credential) Label() string {
	if c.Version == gosnmp.Version3 {
		return fmt.Sprintf("%s (v3)", c.Username)
	}
	return fmt.Sprintf("%s (v2c)", c.Community)
}

// VersionName returns "v3" or "v2c".
func (c Credential) VersionName() string {
	if c.Version == gosnmp.Version3 {
		return "v3"
	}
	return "v2c"
}

// Session is the request surface the scanner needs from an open agent
// session.
type Session interface {
	Get(ctx context.Context, oid string) (string, error)
	GetMany(ctx context.Context, oids []string) (map[string]string, error)
	GetBulk(ctx context.Context, oid string, nonRepeaters, maxRepetitions uint8) ([]SNMPVariable, error)
	Close() error
}

// Dialer opens sessions. Tests substitute a fake to count SNMP traffic.
type Dialer interface {
	Dial(ctx context.Context, target string, cred Credential) (Session, error)
}

// UDPDialer opens real gosnmp sessions over UDP.
type UDPDialer struct {
	Port    uint16
	Timeout time.Duration
	Retries int
}

// Dial builds a Client for cred and connects it.
func (d UDPDialer) Dial(ctx context.Context, target string, cred Credential) (Session, error) {
	port := d.Port
	if port == 0 {
		port = 161
	}

	var client *Client
	if cred.Version == gosnmp.Version3 {
		client = NewSNMPv3Client(target, port, cred.Username,
			AuthProtocolFromString(cred.AuthProtocol), cred.AuthKey,
			PrivProtocolFromString(cred.PrivProtocol), cred.PrivKey)
	} else {
		client = NewClient(target, port)
		client.Community = cred.Community
	}
	if d.Timeout > 0 {
		client.Timeout = d.Timeout
	}
	client.Retries = d.Retries

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
