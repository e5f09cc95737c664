package snmp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		pdu  gosnmp.SnmpPDU
		want string
	}{
		{"octet string", gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("Cisco IOS Software\n")}, "Cisco IOS Software"},
		{"integer", gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: 72}, "72"},
		{"counter64", gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, "1099511627776"},
		{"object identifier", gosnmp.SnmpPDU{Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9.1.2066"}, "1.3.6.1.4.1.9.1.2066"},
		{"timeticks", gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(100)}, "1s (100 ticks)"},
		{"no such object", gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}, ""},
		{"no such instance", gosnmp.SnmpPDU{Type: gosnmp.NoSuchInstance}, ""},
		{"end of mib", gosnmp.SnmpPDU{Type: gosnmp.EndOfMibView}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatValue(tt.pdu); got != tt.want {
				t.Errorf("formatValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsValidValue(t *testing.T) {
	valid := []string{"Juniper Networks, Inc. ex4300", "0", "FOC12345ABC"}
	invalid := []string{"", "   ", "NULL", "None", `""`, "<nil>", "noSuchObject",
		"No Such Instance currently exists at this OID", "End of MIB View"}

	for _, v := range valid {
		if !IsValidValue(v) {
			t.Errorf("IsValidValue(%q) = false, want true", v)
		}
	}
	for _, v := range invalid {
		if IsValidValue(v) {
			t.Errorf("IsValidValue(%q) = true, want false", v)
		}
	}
}

func TestValidOID(t *testing.T) {
	tests := map[string]bool{
		"1.3.6.1.2.1.1.1.0":    true,
		".1.3.6.1.4.1.9":       true,
		"1.3":                  true,
		"1":                    false,
		"":                     false,
		"1.3..6":               false,
		"1.3.6.1.x":            false,
		"iso.org.dod.internet": false,
		"1.3.6.1.-4":           false,
	}
	for oid, want := range tests {
		if got := ValidOID(oid); got != want {
			t.Errorf("ValidOID(%q) = %v, want %v", oid, got, want)
		}
	}
}

func TestProtocolFromString(t *testing.T) {
	if got := AuthProtocolFromString("sha256"); got != gosnmp.SHA256 {
		t.Errorf("AuthProtocolFromString(sha256) = %v", got)
	}
	if got := AuthProtocolFromString("bogus"); got != gosnmp.NoAuth {
		t.Errorf("AuthProtocolFromString(bogus) = %v", got)
	}
	if got := PrivProtocolFromString("aes128"); got != gosnmp.AES {
		t.Errorf("PrivProtocolFromString(aes128) = %v", got)
	}
	if got := PrivProtocolFromString(""); got != gosnmp.NoPriv {
		t.Errorf("PrivProtocolFromString(\"\") = %v", got)
	}
}

func TestNewSNMPv3ClientSecurityLevel(t *testing.T) {
	tests := []struct {
		auth gosnmp.SnmpV3AuthProtocol
		priv gosnmp.SnmpV3PrivProtocol
		want gosnmp.SnmpV3MsgFlags
	}{
		{gosnmp.NoAuth, gosnmp.NoPriv, gosnmp.NoAuthNoPriv},
		{gosnmp.SHA, gosnmp.NoPriv, gosnmp.AuthNoPriv},
		{gosnmp.SHA, gosnmp.AES, gosnmp.AuthPriv},
	}
	for _, tt := range tests {
		c := NewSNMPv3Client("192.0.2.1", 161, "admin", tt.auth, "k", tt.priv, "p")
		if c.SecurityLevel != tt.want {
			t.Errorf("auth=%v priv=%v: level = %v, want %v", tt.auth, tt.priv, c.SecurityLevel, tt.want)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	tests := map[string]time.Duration{
		"":      3 * time.Second,
		"2":     2 * time.Second,
		"1.5":   1500 * time.Millisecond,
		"250ms": 250 * time.Millisecond,
	}
	for in, want := range tests {
		got, err := ParseTimeout(in)
		if err != nil {
			t.Fatalf("ParseTimeout(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseTimeout(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseTimeout("soon"); err == nil {
		t.Error("ParseTimeout(soon) expected error")
	}
}

func TestClientRequiresConnect(t *testing.T) {
	c := NewClient("127.0.0.1", 161)
	if _, err := c.GetMany(context.Background(), []string{OIDSysDescr}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetMany before Connect: err = %v, want ErrNotConnected", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	bad := NewClient("not-an-ip", 161)
	if err := bad.Connect(context.Background()); err == nil {
		t.Error("Connect with hostname target expected error")
	}
}

func TestCredentialLabel(t *testing.T) {
	v2 := Credential{Version: gosnmp.Version2c, Community: "public"}
	if got := v2.Label(); got != "public (v2c)" {
		t.Errorf("Label() = %q", got)
	}
	v3 := Credential{Version: gosnmp.Version3, Username: "netops"}
	if got := v3.Label(); got != "netops (v3)" {
		t.Errorf("Label() = %q", got)
	}
	if v3.VersionName() != "v3" || v2.VersionName() != "v2c" {
		t.Error("VersionName mismatch")
	}
}
