package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
	"github.com/scottpeterman/gosnmpscan/pkg/targets"
)

// ErrAllCredentialsExhausted is returned when no credential produced a
// response. For a live but unmanaged host this is the normal outcome.
var ErrAllCredentialsExhausted = errors.New("all credentials exhausted")

// SNMPNegotiator finds a working credential for a target and collects
// its attribute battery.
type SNMPNegotiator struct {
	dialer    snmp.Dialer
	collector *Collector
	log       logrus.FieldLogger
}

// NegotiatorOptions configures an SNMPNegotiator.
type NegotiatorOptions struct {
	Log logrus.FieldLogger
}

// NewNegotiator returns a negotiator that opens sessions with dialer.
func NewNegotiator(dialer snmp.Dialer, opts NegotiatorOptions) *SNMPNegotiator {
	log := opts.Log
	if log == nil {
		log = discard()
	}
	return &SNMPNegotiator{
		dialer:    dialer,
		collector: NewCollector(log),
		log:       log,
	}
}

// Negotiate tries each credential from creds.Attempts in order, stops
// at the first one the agent answers, and collects attributes over that
// session.
func (n *SNMPNegotiator) Negotiate(ctx context.Context, target targets.Target, creds *Credentials, rules *fingerprint.RuleSet) (fingerprint.Attributes, error) {
	attempts := creds.Attempts()
	log := n.log.WithField("target", target.IP)

	var lastErr error
	for i, cred := range attempts {
		if err := ctx.Err(); err != nil {
			return fingerprint.Attributes{}, err
		}
		alog := log.WithFields(logrus.Fields{"version": cred.VersionName(), "attempt": i + 1})

		sess, err := n.dialer.Dial(ctx, target.IP, cred)
		if err != nil {
			alog.WithError(err).Debug("dial failed")
			lastErr = err
			continue
		}

		start := time.Now()
		sysDescr, err := sess.Get(ctx, snmp.OIDSysDescr)
		latency := time.Since(start)
		if err != nil {
			sess.Close()
			alog.WithError(err).Debug("no response")
			lastErr = err
			continue
		}
		alog.WithField("latency", latency).Debug("agent responded")

		seed := map[string]string{}
		if sysDescr != "" {
			seed[snmp.OIDSysDescr] = sysDescr
		}
		values, err := n.collector.Collect(ctx, sess, rules, seed)
		sess.Close()
		if err != nil && ctx.Err() != nil {
			return fingerprint.Attributes{}, err
		}

		return fingerprint.Attributes{
			Values:     values,
			Version:    cred.VersionName(),
			Credential: cred.Label(),
			Latency:    latency,
			Reachable:  true,
		}, nil
	}

	if lastErr == nil {
		return fingerprint.Attributes{}, fmt.Errorf("%w: no credentials configured", ErrAllCredentialsExhausted)
	}
	return fingerprint.Attributes{}, fmt.Errorf("%w after %d attempts: %v", ErrAllCredentialsExhausted, len(attempts), lastErr)
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
