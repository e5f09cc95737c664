package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/scottpeterman/gosnmpscan/pkg/persistence"
)

func commandDB() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Inspect a JSON device database",
		Subcommands: []*cli.Command{
			{
				Name:      "stats",
				Usage:     "Summarize devices and scan sessions",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print statistics as JSON"},
					&cli.IntFlag{Name: "top", Value: 10, Usage: "Rows per breakdown"},
					&cli.BoolFlag{Name: "sqlite", Usage: "FILE is a SQLite store written by scan --sqlite"},
				},
				Action: dbStats,
			},
			{
				Name:      "devices",
				Usage:     "List devices in a JSON device database",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vendor", Usage: "Only list devices classified as `VENDOR`"},
				},
				Action: dbDevices,
			},
		},
	}
}

func dbStats(c *cli.Context) error {
	if c.NArg() != 1 {
		return configError("expected exactly one database file, got %d arguments", c.NArg())
	}
	path := c.Args().First()
	if c.Bool("sqlite") {
		return sqliteStats(c, path)
	}
	db, err := persistence.LoadDatabase(path)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(db.Statistics)
	}
	writeDBStats(c.App.Writer, filepath.Base(path), db, c.Int("top"))
	return nil
}

func writeDBStats(w io.Writer, name string, db *persistence.DeviceDatabase, top int) {
	heading := color.New(color.Bold, color.FgCyan).SprintFunc()
	s := db.Statistics

	fmt.Fprintln(w, heading("DATABASE OVERVIEW"))
	fmt.Fprintf(w, "   File: %s (version %s)\n", name, db.Version)
	fmt.Fprintf(w, "   Last Updated: %s\n", db.LastUpdated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "   Devices: %d   Sessions: %d   Avg Confidence: %.1f\n", s.TotalDevices, s.TotalSessions, s.AvgConfidence)
	if !s.OldestDevice.IsZero() {
		fmt.Fprintf(w, "   First Seen: %s   Last Seen: %s\n",
			s.OldestDevice.Format("2006-01-02"), s.LastScanDate.Format("2006-01-02"))
	}
	fmt.Fprintln(w)

	sections := []struct {
		title  string
		counts map[string]int
	}{
		{"VENDOR BREAKDOWN", s.VendorBreakdown},
		{"DEVICE TYPE BREAKDOWN", s.TypeBreakdown},
		{"CONFIDENCE", s.ConfidenceBreakdown},
		{"SNMP VERSION", s.VersionBreakdown},
		{"SUBNET DISTRIBUTION", s.DevicesPerSubnet},
		{"SCAN ERRORS", s.ErrorStats},
	}
	for _, sec := range sections {
		writeCounts(w, sec.title, sec.counts, top)
	}
}

func writeCounts(w io.Writer, title string, counts map[string]int, top int) {
	if len(counts) == 0 {
		return
	}
	heading := color.New(color.Bold, color.FgCyan).SprintFunc()
	fmt.Fprintln(w, heading(title))
	total := 0
	for _, n := range counts {
		total += n
	}
	for i, e := range sortedCounts(counts) {
		if top > 0 && i >= top {
			break
		}
		fmt.Fprintf(w, "   %-20s: %4d (%.1f%%)\n", e.name, e.count, float64(e.count)/float64(total)*100)
	}
	fmt.Fprintln(w)
}

// sqliteStats reports the vendor breakdown of a SQLite store.
func sqliteStats(c *cli.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	store, err := persistence.NewSQLiteStore(path)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	defer store.Close()

	counts, err := store.VendorCounts(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(c.App.Writer, "%s: %d devices\n\n", filepath.Base(path), total)
	writeCounts(c.App.Writer, "VENDOR BREAKDOWN", counts, c.Int("top"))
	return nil
}

func dbDevices(c *cli.Context) error {
	if c.NArg() != 1 {
		return configError("expected exactly one database file, got %d arguments", c.NArg())
	}
	path := c.Args().First()
	if _, err := os.Stat(path); err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}
	db, err := persistence.OpenJSONDatabase(path, nil)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntime)
	}

	devices := db.Devices()
	if vendor := c.String("vendor"); vendor != "" {
		devices = db.DevicesByVendor(vendor)
	}

	w := c.App.Writer
	fmt.Fprintf(w, "%-30s %-16s %-12s %-10s %-20s %5s  %s\n",
		"NAME", "PRIMARY IP", "VENDOR", "TYPE", "MODEL", "CONF", "LAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%-30s %-16s %-12s %-10s %-20s %5d  %s\n",
			truncate(d.GetDisplayName(), 30), d.PrimaryIP, d.Vendor, d.DeviceType,
			truncate(d.Model, 20), d.ConfidenceScore, d.LastSeen.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(w, "\n%d devices\n", len(devices))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type nameCount struct {
	name  string
	count int
}

func sortedCounts(counts map[string]int) []nameCount {
	list := make([]nameCount, 0, len(counts))
	for k, v := range counts {
		list = append(list, nameCount{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].name < list[j].name
	})
	return list
}
