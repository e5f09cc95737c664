package scanner

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/gosnmp/gosnmp"
)

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   *Credentials
		wantErr bool
	}{
		{"communities only", &Credentials{Communities: []string{"public"}}, false},
		{"v3 authpriv", v3Creds(), false},
		{"v3 noauth", &Credentials{V3: &V3Profile{Username: "monitor"}}, false},
		{"nil", nil, true},
		{"nothing configured", &Credentials{}, true},
		{"empty community", &Credentials{Communities: []string{"public", ""}}, true},
		{"v3 without user", &Credentials{V3: &V3Profile{AuthProtocol: "SHA", AuthKey: "authpass1"}}, true},
		{"short auth key", &Credentials{V3: &V3Profile{Username: "u", AuthProtocol: "SHA", AuthKey: "short"}}, true},
		{"priv without auth", &Credentials{V3: &V3Profile{Username: "u", PrivProtocol: "AES", PrivKey: "privpass1"}}, true},
		{"unknown auth protocol", &Credentials{V3: &V3Profile{Username: "u", AuthProtocol: "SHA3", AuthKey: "authpass1"}}, true},
		{"unknown priv protocol", &Credentials{V3: &V3Profile{Username: "u", AuthProtocol: "MD5", AuthKey: "authpass1", PrivProtocol: "3DES", PrivKey: "privpass1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("error %v does not wrap ErrInvalidCredentials", err)
			}
		})
	}
}

func TestCredentialsKeyLengthMessage(t *testing.T) {
	creds := &Credentials{V3: &V3Profile{
		Username: "u", AuthProtocol: "SHA", AuthKey: "short", PrivProtocol: "AES", PrivKey: "tiny",
	}}
	err := creds.Validate()
	if err == nil {
		t.Fatal("expected error for short keys")
	}
	for _, want := range []string{"auth key must be at least 8 characters", "privacy key must be at least 8 characters", "USM minimum"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestCredentialsAttempts(t *testing.T) {
	creds := v3Creds("public", "private", "public", "")
	got := creds.Attempts()

	var labels []string
	for _, c := range got {
		labels = append(labels, c.Label())
	}
	want := []string{"netops (v3)", "public (v2c)", "private (v2c)"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("attempts = %v, want %v", labels, want)
	}
	if got[0].Version != gosnmp.Version3 || got[1].Version != gosnmp.Version2c {
		t.Errorf("versions = %v, %v", got[0].Version, got[1].Version)
	}

	var nilCreds *Credentials
	if len(nilCreds.Attempts()) != 0 {
		t.Error("nil credentials produced attempts")
	}
}
