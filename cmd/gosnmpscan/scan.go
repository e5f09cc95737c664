package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/scottpeterman/gosnmpscan/pkg/config"
	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/persistence"
	"github.com/scottpeterman/gosnmpscan/pkg/prober"
	"github.com/scottpeterman/gosnmpscan/pkg/publish"
	"github.com/scottpeterman/gosnmpscan/pkg/report"
	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
	"github.com/scottpeterman/gosnmpscan/pkg/targets"
)

func commandScan(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:    "scan",
		Aliases: []string{"s"},
		Usage:   "Discover and fingerprint SNMP devices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Load scan configuration from `FILE`"},
			&cli.StringSliceFlag{Name: "target", Aliases: []string{"t"}, Usage: "CIDR, IP or hostname (repeatable)"},
			&cli.StringFlag{Name: "targets-file", Usage: "File with one target per line"},
			&cli.IntFlag{Name: "max-targets", Usage: "Reject target lists larger than this"},
			&cli.StringFlag{Name: "rules", Usage: "Fingerprint rule document"},

			&cli.StringSliceFlag{Name: "community", Usage: "SNMPv2c community, tried in order (repeatable)"},
			&cli.StringFlag{Name: "v3-user", Usage: "SNMPv3 username"},
			&cli.StringFlag{Name: "v3-auth-proto", Usage: "SNMPv3 auth protocol (MD5, SHA, SHA224, SHA256, SHA384, SHA512)"},
			&cli.StringFlag{Name: "v3-auth-key", Usage: "SNMPv3 authentication key", EnvVars: []string{"GOSNMPSCAN_V3_AUTH_KEY"}},
			&cli.StringFlag{Name: "v3-priv-proto", Usage: "SNMPv3 privacy protocol (DES, AES, AES192, AES256)"},
			&cli.StringFlag{Name: "v3-priv-key", Usage: "SNMPv3 privacy key", EnvVars: []string{"GOSNMPSCAN_V3_PRIV_KEY"}},

			&cli.StringFlag{Name: "ports", Usage: "TCP ports for the reachability probe, comma separated; empty skips probing"},
			&cli.IntFlag{Name: "concurrency", Usage: "Targets scanned in parallel"},
			&cli.StringFlag{Name: "tcp-timeout", Usage: "Per-port TCP connect timeout (seconds or duration)"},
			&cli.StringFlag{Name: "snmp-timeout", Usage: "Per-request SNMP timeout (seconds or duration)"},
			&cli.IntFlag{Name: "retries", Usage: "SNMP retries per request"},
			&cli.StringFlag{Name: "target-timeout", Usage: "Wall-clock ceiling per target (0 derives it)"},
			&cli.StringFlag{Name: "grace", Usage: "Time in-flight targets get after Ctrl-C"},
			&cli.Float64Flag{Name: "rate", Usage: "Targets dispatched per second (0 = unlimited)"},
			&cli.BoolFlag{Name: "fast", Usage: "Fast mode (1s timeouts, 100 concurrency)"},

			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output format: json, jsonl, csv, table, simple"},
			&cli.StringFlag{Name: "output-file", Usage: "Write the report to `FILE` instead of stdout"},
			&cli.BoolFlag{Name: "raw", Usage: "Include raw SNMP attributes in json output"},
			&cli.BoolFlag{Name: "details", Usage: "Show detection evidence in table output"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress the summary"},

			&cli.StringFlag{Name: "json-db", Usage: "Merge results into a JSON device database"},
			&cli.StringFlag{Name: "sqlite", Usage: "Store results in a SQLite database"},
			&cli.StringFlag{Name: "amqp-url", Usage: "Publish each record to this AMQP broker", EnvVars: []string{"GOSNMPSCAN_AMQP_URL"}},
			&cli.StringFlag{Name: "amqp-queue", Usage: "AMQP queue name"},
			&cli.StringFlag{Name: "valkey", Usage: "Mirror progress to this Valkey address"},
			&cli.StringFlag{Name: "valkey-key", Usage: "Valkey progress key prefix"},
			&cli.DurationFlag{Name: "valkey-ttl", Usage: "Expiry of the progress key"},

			&cli.DurationFlag{Name: "interval", Usage: "Rescan every interval until interrupted; rules are reloaded between rounds"},
		},
		Action: func(c *cli.Context) error {
			return runScan(c, log)
		},
	}
}

// loadConfig layers defaults, the config document and flags, then
// validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := applyFlags(c, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.Bool("fast") {
		cfg.Timeouts.TCP = time.Second
		cfg.Timeouts.SNMP = time.Second
		cfg.Concurrency = 100
	}

	if c.IsSet("target") {
		cfg.Targets = c.StringSlice("target")
	}
	setString(c, "targets-file", &cfg.TargetsFile)
	setInt(c, "max-targets", &cfg.MaxTargets)
	setString(c, "rules", &cfg.Rules)

	if c.IsSet("community") {
		cfg.Credentials.Communities = c.StringSlice("community")
	}
	if c.IsSet("v3-user") {
		if cfg.Credentials.V3 == nil {
			cfg.Credentials.V3 = &scanner.V3Profile{}
		}
		v3 := cfg.Credentials.V3
		v3.Username = c.String("v3-user")
		setString(c, "v3-auth-proto", &v3.AuthProtocol)
		setString(c, "v3-auth-key", &v3.AuthKey)
		setString(c, "v3-priv-proto", &v3.PrivProtocol)
		setString(c, "v3-priv-key", &v3.PrivKey)
	}

	if c.IsSet("ports") {
		ports, err := parsePorts(c.String("ports"))
		if err != nil {
			return err
		}
		cfg.Ports = ports
	}
	setInt(c, "concurrency", &cfg.Concurrency)
	setInt(c, "retries", &cfg.Retries)
	timeouts := []struct {
		flag string
		dst  *time.Duration
	}{
		{"tcp-timeout", &cfg.Timeouts.TCP},
		{"snmp-timeout", &cfg.Timeouts.SNMP},
		{"target-timeout", &cfg.Timeouts.Target},
		{"grace", &cfg.Timeouts.Grace},
	}
	for _, t := range timeouts {
		if err := setTimeout(c, t.flag, t.dst); err != nil {
			return err
		}
	}
	if c.IsSet("rate") {
		cfg.RateLimit = c.Float64("rate")
	}

	setString(c, "output", &cfg.Output.Format)
	setString(c, "output-file", &cfg.Output.Path)
	if c.IsSet("raw") {
		cfg.Output.Raw = c.Bool("raw")
	}

	setString(c, "json-db", &cfg.Sinks.JSONDatabase)
	setString(c, "sqlite", &cfg.Sinks.SQLite)
	setString(c, "amqp-url", &cfg.Sinks.AMQP.URL)
	setString(c, "amqp-queue", &cfg.Sinks.AMQP.Queue)
	setString(c, "valkey", &cfg.Sinks.Valkey.Address)
	setString(c, "valkey-key", &cfg.Sinks.Valkey.Key)
	setDuration(c, "valkey-ttl", &cfg.Sinks.Valkey.TTL)

	if cfg.Sinks.AMQP.Queue == "" {
		cfg.Sinks.AMQP.Queue = config.DefaultAMQPQueue
	}
	if cfg.Sinks.Valkey.Key == "" {
		cfg.Sinks.Valkey.Key = config.DefaultValkeyKey
	}
	if cfg.Sinks.Valkey.TTL == 0 {
		cfg.Sinks.Valkey.TTL = config.DefaultValkeyTTL
	}
	return nil
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

func setDuration(c *cli.Context, name string, dst *time.Duration) {
	if c.IsSet(name) {
		*dst = c.Duration(name)
	}
}

// setTimeout accepts bare seconds ("2.5") as well as Go durations.
func setTimeout(c *cli.Context, name string, dst *time.Duration) error {
	if !c.IsSet(name) {
		return nil
	}
	d, err := snmp.ParseTimeout(c.String(name))
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", name, err)
	}
	*dst = d
	return nil
}

// parsePorts reads "22,161,443". An empty list disables probing.
func parsePorts(s string) ([]int, error) {
	ports := []int{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", field)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func resolveTargets(ctx context.Context, cfg *config.Config) ([]targets.Target, error) {
	specs := append([]string(nil), cfg.Targets...)
	if cfg.TargetsFile != "" {
		fromFile, err := targets.LoadFile(cfg.TargetsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load targets file: %w", err)
		}
		specs = append(specs, fromFile...)
	}
	return targets.Parse(ctx, specs, targets.Options{MaxTargets: cfg.MaxTargets})
}

func runScan(c *cli.Context, log *logrus.Logger) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return configError("%v", err)
	}
	if !c.IsSet("log-level") && cfg.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		}
	}

	store := fingerprint.NewStore(log)
	if err := store.ReloadFile(cfg.Rules); err != nil {
		return configError("load rules: %v", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	list, err := resolveTargets(ctx, cfg)
	if err != nil {
		return configError("%v", err)
	}
	if len(list) == 0 {
		return configError("no targets to scan")
	}

	go reloadOnHangup(ctx, store, cfg.Rules, log)

	dialer := snmp.UDPDialer{Timeout: cfg.Timeouts.SNMP, Retries: cfg.Retries}
	orch := scanner.NewOrchestrator(
		prober.New(prober.WithLogger(log)),
		scanner.NewNegotiator(dialer, scanner.NegotiatorOptions{Log: log}),
		cfg.OrchestratorOptions(log),
	)

	interval := c.Duration("interval")
	for round := 1; ; round++ {
		if round > 1 {
			if changed, err := store.ReloadIfChanged(); err != nil {
				log.WithError(err).Warn("Keeping previous fingerprint rules")
			} else if changed {
				log.Info("Fingerprint rules reloaded")
			}
		}

		if err := scanOnce(ctx, c, cfg, orch, list, store.Active(), log); err != nil {
			return err
		}
		if interval <= 0 || ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// reloadOnHangup reloads the rule document on SIGHUP. The next scan
// round uses the new rules; a running round keeps its snapshot.
func reloadOnHangup(ctx context.Context, store *fingerprint.Store, path string, log logrus.FieldLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.ReloadFile(path); err != nil {
				log.WithError(err).Warn("Reload failed, keeping previous fingerprint rules")
			}
		}
	}
}

func scanOnce(ctx context.Context, c *cli.Context, cfg *config.Config, orch *scanner.Orchestrator, list []targets.Target, rules *fingerprint.RuleSet, log *logrus.Logger) error {
	sessionID := persistence.SessionID(time.Now())
	log.WithFields(logrus.Fields{
		"session": sessionID,
		"targets": len(list),
		"vendors": rules.Len(),
	}).Info("Starting scan")

	sinks, err := openSinks(ctx, cfg, sessionID, log)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	defer sinks.Close()

	out := c.App.Writer
	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("create output file: %v", err), exitRuntime)
		}
		defer f.Close()
		out = f
	}

	var stream *report.RecordWriter
	if cfg.Output.Format == "jsonl" {
		stream = report.NewRecordWriter(out, cfg.Output.Raw)
	}

	var sinkErrs []error
	onRecord := func(rec scanner.Record) {
		if stream != nil {
			if err := stream.Write(rec); err != nil {
				sinkErrs = append(sinkErrs, fmt.Errorf("write record %s: %w", rec.IP, err))
			}
		}
		if err := sinks.publish(rec); err != nil {
			log.WithError(err).Warn("Publish failed")
			sinkErrs = append(sinkErrs, err)
		}
	}

	rep := orch.Start(ctx, list, &cfg.Credentials, rules).Collect(onRecord, sinks.progress(ctx, log))
	if ctx.Err() != nil {
		log.Warn("Scan interrupted; unfinished targets are reported as cancelled")
	}

	if stream == nil {
		opts := report.Options{Raw: cfg.Output.Raw, Details: c.Bool("details")}
		if err := report.Write(out, cfg.Output.Format, rep, opts); err != nil {
			sinkErrs = append(sinkErrs, err)
		}
	}
	if cfg.Output.Format != "table" && !c.Bool("quiet") {
		report.WriteSummary(c.App.ErrWriter, rep.Summary)
	}

	sinkErrs = append(sinkErrs, sinks.finish(context.WithoutCancel(ctx), rep, sessionID)...)
	if err := errors.Join(sinkErrs...); err != nil {
		return cli.Exit(fmt.Sprintf("output failed: %v", err), exitRuntime)
	}

	if cfg.Output.Path != "" && !c.Bool("quiet") {
		color.New(color.FgGreen).Fprintf(c.App.ErrWriter, "Report written to %s\n", cfg.Output.Path)
	}
	return nil
}

// sinks are the optional destinations configured under sinks.
type sinks struct {
	jsonDB      *persistence.JSONDatabase
	sqlite      *persistence.SQLiteStore
	amqp        *publish.AMQPPublisher
	valkey      *publish.ValkeyProgress
	closers     []io.Closer
	callTimeout time.Duration
}

func openSinks(ctx context.Context, cfg *config.Config, sessionID string, log logrus.FieldLogger) (*sinks, error) {
	s := &sinks{callTimeout: 2 * time.Second}
	fail := func(err error) (*sinks, error) {
		s.Close()
		return nil, err
	}

	if path := cfg.Sinks.JSONDatabase; path != "" {
		db, err := persistence.OpenJSONDatabase(path, log)
		if err != nil {
			return fail(err)
		}
		s.jsonDB = db
	}
	if path := cfg.Sinks.SQLite; path != "" {
		store, err := persistence.NewSQLiteStore(path)
		if err != nil {
			return fail(err)
		}
		s.sqlite = store
		s.closers = append(s.closers, store)
	}
	if url := cfg.Sinks.AMQP.URL; url != "" {
		pub, err := publish.DialAMQP(url, cfg.Sinks.AMQP.Queue, sessionID, log)
		if err != nil {
			return fail(err)
		}
		s.amqp = pub
		s.closers = append(s.closers, pub)
	}
	if addr := cfg.Sinks.Valkey.Address; addr != "" {
		v, err := publish.NewValkeyProgress(addr, cfg.Sinks.Valkey.Key, cfg.Sinks.Valkey.TTL, sessionID, log)
		if err != nil {
			return fail(err)
		}
		s.valkey = v
	}
	return s, nil
}

func (s *sinks) publish(rec scanner.Record) error {
	if s.amqp == nil {
		return nil
	}
	return s.amqp.Publish(rec)
}

// progress returns the progress callback. Valkey failures are logged,
// not fatal: progress is advisory.
func (s *sinks) progress(ctx context.Context, log logrus.FieldLogger) func(scanner.Progress) {
	if s.valkey == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	return func(p scanner.Progress) {
		ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		if err := s.valkey.Update(ctx, p); err != nil {
			log.WithError(err).Debug("Progress update failed")
		}
	}
}

func (s *sinks) finish(ctx context.Context, rep *scanner.Report, sessionID string) []error {
	var errs []error
	if s.jsonDB != nil {
		if _, err := s.jsonDB.WriteReport(rep, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("json database: %w", err))
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.WriteReport(ctx, rep, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	if s.valkey != nil {
		ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		if err := s.valkey.Finish(ctx, rep.Summary); err != nil {
			errs = append(errs, fmt.Errorf("valkey: %w", err))
		}
	}
	return errs
}

func (s *sinks) Close() {
	for _, c := range s.closers {
		c.Close()
	}
	if s.valkey != nil {
		s.valkey.Close()
	}
}
