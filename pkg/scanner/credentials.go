package scanner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

// ErrInvalidCredentials marks a credential set that cannot be used.
var ErrInvalidCredentials = errors.New("invalid credentials")

// V3Profile is an SNMPv3 USM profile.
type V3Profile struct {
	Username     string `yaml:"username" json:"username"`
	AuthProtocol string `yaml:"auth_protocol" json:"auth_protocol,omitempty"`
	AuthKey      string `yaml:"auth_key" json:"-"`
	PrivProtocol string `yaml:"priv_protocol" json:"priv_protocol,omitempty"`
	PrivKey      string `yaml:"priv_key" json:"-"`
}

// Credentials holds the optional v3 profile and the ordered v2c
// communities for one scan. It is not modified once a scan starts.
type Credentials struct {
	V3          *V3Profile `yaml:"v3,omitempty"`
	Communities []string   `yaml:"communities"`
}

var (
	authProtocols = map[string]bool{"": true, "MD5": true, "SHA": true, "SHA1": true, "SHA224": true, "SHA256": true, "SHA384": true, "SHA512": true}
	privProtocols = map[string]bool{"": true, "DES": true, "AES": true, "AES128": true, "AES192": true, "AES256": true, "AES192C": true, "AES256C": true}
)

// Validate checks the shape of the credential set.
func (c *Credentials) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no credentials configured", ErrInvalidCredentials)
	}

	var problems []string
	if c.V3 == nil && len(c.Communities) == 0 {
		problems = append(problems, "at least one community or a v3 profile is required")
	}
	for i, community := range c.Communities {
		if community == "" {
			problems = append(problems, fmt.Sprintf("community #%d is empty", i+1))
		}
	}

	if v3 := c.V3; v3 != nil {
		auth := strings.ToUpper(v3.AuthProtocol)
		priv := strings.ToUpper(v3.PrivProtocol)
		if v3.Username == "" {
			problems = append(problems, "v3 username is required")
		}
		if !authProtocols[auth] {
			problems = append(problems, fmt.Sprintf("unknown v3 auth protocol %q", v3.AuthProtocol))
		}
		if !privProtocols[priv] {
			problems = append(problems, fmt.Sprintf("unknown v3 privacy protocol %q", v3.PrivProtocol))
		}
		if auth != "" && len(v3.AuthKey) < 8 {
			problems = append(problems, "v3 auth key must be at least 8 characters (USM minimum, RFC 3414)")
		}
		if priv != "" {
			if auth == "" {
				problems = append(problems, "v3 privacy requires an auth protocol")
			}
			if len(v3.PrivKey) < 8 {
				problems = append(problems, "v3 privacy key must be at least 8 characters (USM minimum, RFC 3414)")
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, strings.Join(problems, "; "))
	}
	return nil
}

// Attempts returns the ordered strategies the negotiator consumes: the
// v3 profile first, then each distinct community in supplied order.
func (c *Credentials) Attempts() []snmp.Credential {
	if c == nil {
		return nil
	}
	var out []snmp.Credential
	if v3 := c.V3; v3 != nil {
		out = append(out, snmp.Credential{
			Version:      gosnmp.Version3,
			Username:     v3.Username,
			AuthProtocol: v3.AuthProtocol,
			AuthKey:      v3.AuthKey,
			PrivProtocol: v3.PrivProtocol,
			PrivKey:      v3.PrivKey,
		})
	}
	seen := make(map[string]bool)
	for _, community := range c.Communities {
		if community == "" || seen[community] {
			continue
		}
		seen[community] = true
		out = append(out, snmp.Credential{Version: gosnmp.Version2c, Community: community})
	}
	return out
}
