// Package main provides the archivelog-ctl CLI for the storage operation log.
//
// Usage:
//
//	archivelog-ctl serve   [--config <file>] [--env-file <file>] [--addr :8080]
//	archivelog-ctl backup  [--server <url>] [--access] [--strategy <id>] [--tenant 0,1]
//	archivelog-ctl logbook [--server <url>] [--operation <id>] [--limit 20]
//	archivelog-ctl verify  [--server <url>]
//	archivelog-ctl status  [--server <url>]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/archivelog/archivelog/pkg/client"
	"github.com/archivelog/archivelog/pkg/config"
	"github.com/archivelog/archivelog/pkg/control"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/metrics"
)

const (
	defaultConfigPath = "/etc/archivelog/config.yaml"
	defaultServer     = "http://localhost:8080"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "backup":
		runBackup(os.Args[2:])
	case "logbook":
		runLogbook(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "archivelog-ctl — storage operation log admin CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  archivelog-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  serve    Start the control plane and backup scheduler\n")
	fmt.Fprint(os.Stderr, "  backup   Back up the write or access log of tenants\n")
	fmt.Fprint(os.Stderr, "  logbook  Show logbook entries\n")
	fmt.Fprint(os.Stderr, "  verify   Verify the logbook hash chain\n")
	fmt.Fprint(os.Stderr, "  status   Show log shards, offers and logbook health\n\n")
	fmt.Fprint(os.Stderr, "Use \"archivelog-ctl <command> --help\" for more information about a command.\n")
}

func newFlagSet(name, summary string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: archivelog-ctl %s [flags]\n\n%s\n\nFlags:\n", name, summary)
		fs.PrintDefaults()
	}
	return fs
}

func serverFlag(fs *pflag.FlagSet) *string {
	def := os.Getenv("ARCHIVELOG_SERVER")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "Control plane URL (env ARCHIVELOG_SERVER)")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}

// runServe implements "archivelog-ctl serve".
func runServe(args []string) {
	fs := newFlagSet("serve", "Start the control plane server and the periodic backup scheduler.")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	envFile := fs.String("env-file", "", "Load environment variables from this file before reading the config")
	addr := fs.String("addr", "", "Listen address (overrides config, default :8080)")
	fs.Parse(args)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Error("failed to load env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	sys, err := control.OpenSystem(cfg)
	if err != nil {
		slog.Error("failed to open system", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := sys.Close(); err != nil {
			slog.Error("close failed", "error", err)
		}
	}()

	srv := control.NewServer(sys)
	listenAddr := cfg.ControlPlane.RESTAddr
	if *addr != "" {
		srv.SetRESTAddr(*addr)
		listenAddr = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	metrics.RegisterHealthCheck("storage_log_dir", metrics.DirHealthCheck(cfg.StorageLog.Path))
	metrics.RegisterHealthCheck("logbook", sys.Logbook.Healthy)

	metricsStop := make(chan struct{})
	if cfg.Metrics.MetricsEnabled() {
		go func() {
			if err := metrics.MetricsServer(cfg.Metrics.Addr, metricsStop); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	defer close(metricsStop)

	fmt.Println("archivelog control plane")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Listening:    %s\n", listenAddr)
	fmt.Printf("Tenants:      %v\n", cfg.StorageLog.Tenants)
	fmt.Printf("Offers:       %d configured\n", len(cfg.Backends))
	fmt.Printf("Strategies:   %d configured\n", len(cfg.Strategies))
	fmt.Printf("Compression:  %s\n", cfg.Backup.Compression)
	fmt.Println("────────────────────────────────────")

	if err := srv.Run(ctx); err != nil {
		slog.Error("control plane error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Control plane shut down cleanly.")
}

// runBackup implements "archivelog-ctl backup".
func runBackup(args []string) {
	fs := newFlagSet("backup", "Rotate and back up the write log (default) or access log of tenants.")
	server := serverFlag(fs)
	access := fs.Bool("access", false, "Back up the access log instead of the write log")
	strategy := fs.String("strategy", "", "Storage strategy (default: the server's backup.strategy)")
	tenants := fs.IntSlice("tenant", nil, "Tenants to back up (default: all)")
	timeout := fs.Duration("timeout", time.Hour, "Give up waiting after this long")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	start := time.Now()
	resp, err := client.New(*server).Backup(ctx, !*access, control.BackupRequest{Strategy: *strategy, Tenants: *tenants})

	if len(resp.Results) > 0 {
		fmt.Printf("%-8s %-38s %-7s %-8s %s\n", "TENANT", "OPERATION", "OUTCOME", "SEGMENTS", "ERROR")
		fmt.Println(strings.Repeat("─", 80))
		for _, r := range resp.Results {
			fmt.Printf("%-8d %-38s %-7s %-8d %s\n", r.Tenant, r.OperationID, r.Outcome, len(r.Segments), r.Error)
		}
		fmt.Println()
	}
	if err != nil {
		fatal("backup failed", err)
	}
	fmt.Printf("Backup completed in %s\n", time.Since(start).Round(time.Millisecond))
}

// runLogbook implements "archivelog-ctl logbook".
func runLogbook(args []string) {
	fs := newFlagSet("logbook", "Show the entries of one operation, or the most recent entries.")
	server := serverFlag(fs)
	operation := fs.String("operation", "", "Show the entries of this operation id")
	limit := fs.Int("limit", 20, "Number of recent entries to show")
	fs.Parse(args)

	c := client.New(*server)
	ctx := context.Background()
	var (
		entries []logbook.Entry
		err     error
	)
	if *operation != "" {
		entries, err = c.Operation(ctx, *operation)
	} else {
		entries, err = c.Recent(ctx, *limit)
	}
	if err != nil {
		fatal("logbook query failed", err)
	}
	if len(entries) == 0 {
		fmt.Println("No entries.")
		return
	}

	fmt.Printf("%-6s %-25s %-6s %-7s %-24s %s\n", "SEQ", "EVENT", "TENANT", "OUTCOME", "TIME", "OBJECT")
	fmt.Println(strings.Repeat("─", 100))
	for _, e := range entries {
		obj := e.ObjectName
		if e.Outcome == logbook.OutcomeKO && e.Message != "" {
			obj += " (" + e.Message + ")"
		}
		fmt.Printf("%-6d %-25s %-6d %-7s %-24s %s\n",
			e.Seq, e.EventType, e.Tenant, e.Outcome, e.Time.Format(time.RFC3339), obj)
	}
}

// runVerify implements "archivelog-ctl verify".
func runVerify(args []string) {
	fs := newFlagSet("verify", "Walk the logbook hash chain and report the first broken entry.")
	server := serverFlag(fs)
	fs.Parse(args)

	res, err := client.New(*server).Verify(context.Background())
	if errors.Is(err, client.ErrChainBroken) {
		fmt.Fprintf(os.Stderr, "Logbook chain BROKEN: %v\n", err)
		os.Exit(2)
	}
	if err != nil {
		fatal("verify failed", err)
	}
	fmt.Printf("Logbook chain OK: %d entries, head %x\n", res.Checked, res.Head)
}

// runStatus implements "archivelog-ctl status".
func runStatus(args []string) {
	fs := newFlagSet("status", "Show log shards, offers, strategies and logbook health.")
	server := serverFlag(fs)
	fs.Parse(args)

	st, err := client.New(*server).Status(context.Background())
	if err != nil {
		fatal("status failed", err)
	}

	fmt.Println("archivelog Status")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Offers:       %s\n", strings.Join(st.Offers, ", "))
	fmt.Printf("Strategies:   %s\n", strings.Join(st.Strategies, ", "))
	fmt.Printf("Logbook:      %d entries", st.Logbook.Entries)
	if !st.Logbook.Healthy {
		fmt.Printf(" (unhealthy: %s)", st.Logbook.Error)
	}
	fmt.Println()
	fmt.Printf("Schedule:     write every %s, access every %s", st.Schedule.WriteLogInterval, st.Schedule.AccessLogInterval)
	if st.Schedule.Strategy != "" {
		fmt.Printf(" to %s", st.Schedule.Strategy)
	}
	fmt.Println()
	fmt.Println()
	fmt.Printf("%-8s %-17s %-9s %-11s %-8s %s\n", "TENANT", "CATEGORY", "ENTRIES", "BYTES", "PENDING", "SINCE")
	fmt.Println(strings.Repeat("─", 80))
	for _, sh := range st.Shards {
		fmt.Printf("%-8d %-17s %-9d %-11s %-8d %s\n",
			sh.Tenant, sh.Category, sh.ActiveEntries, humanBytes(sh.ActiveBytes), sh.Pending,
			sh.ActiveSince.Format(time.RFC3339))
	}
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
