package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/dwh-migrate/internal/config"
	"github.com/johndauphine/dwh-migrate/internal/driver"
	_ "github.com/johndauphine/dwh-migrate/internal/driver/bigquery"
	"github.com/johndauphine/dwh-migrate/internal/driver/maxcompute"
	_ "github.com/johndauphine/dwh-migrate/internal/driver/mysql"
	_ "github.com/johndauphine/dwh-migrate/internal/driver/postgres"
	"github.com/johndauphine/dwh-migrate/internal/logging"
	"github.com/johndauphine/dwh-migrate/internal/mapping"
	"github.com/johndauphine/dwh-migrate/internal/orchestrator"
	"github.com/johndauphine/dwh-migrate/internal/progress"
	"github.com/johndauphine/dwh-migrate/internal/state"
	"github.com/johndauphine/dwh-migrate/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Migrate the configured tables",
				Action: runMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Write mode (overwrite, append)",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Rows per batch",
					},
					&cli.StringFlag{
						Name:  "table",
						Usage: "Migrate only this source table",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Validate and plan without writing",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Skip the overwrite confirmation prompt",
					},
				},
			},
			{
				Name:   "check",
				Usage:  "Validate configuration, connectivity and mapping rules",
				Action: runCheck,
			},
			{
				Name:   "history",
				Usage:  "List migration runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum runs to list",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the most recent run",
				Action: showStatus,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.Run.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Run.LogFormat = c.String("log-format")
	}
	if cfg.Run.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.Run.LogLevel)
		if err != nil {
			return nil, err
		}
		logging.SetLevel(level)
	}
	if cfg.Run.LogFormat != "" {
		logging.SetFormat(cfg.Run.LogFormat)
	}
	return cfg, nil
}

func runMigration(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.IsSet("mode") {
		cfg.Run.Mode = c.String("mode")
	}
	if c.IsSet("batch-size") {
		cfg.Run.BatchSize = c.Int("batch-size")
	}

	mode, err := driver.ParseMode(cfg.Run.Mode)
	if err != nil {
		return err
	}

	tables, err := selectTables(cfg.Run.Tables, c.String("table"))
	if err != nil {
		return err
	}

	dryRun := c.Bool("dry-run")
	if mode == driver.ModeOverwrite && !dryRun && !c.Bool("yes") {
		if !confirmOverwrite(len(tables), cfg.Destination.Kind) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	src, err := maxcompute.Open(&cfg.Source)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	d, err := driver.Lookup(cfg.Destination.Kind)
	if err != nil {
		return err
	}
	dst, err := d.Open(&cfg.Destination)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer dst.Close()

	store, err := state.Open(cfg.Run.StatePath)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Finishing current batch...")
		cancel()
	}()

	var failed []string
	for _, spec := range tables {
		report := runTable(ctx, cfg, src, dst, store, spec, mode, dryRun)
		fmt.Println(orchestrator.Describe(report))
		if report.Err != nil {
			failed = append(failed, spec.Source)
			if errors.Is(report.Err, context.Canceled) {
				break
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("migration failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runTable(ctx context.Context, cfg *config.Config, src driver.Source, dst driver.Destination,
	store *state.Store, spec config.TableSpec, mode driver.Mode, dryRun bool) *orchestrator.Report {

	job := orchestrator.Job{
		SourceTable:   spec.Source,
		TargetTable:   spec.TargetName(),
		Mode:          mode,
		BatchSize:     cfg.Run.BatchSize,
		DryRun:        dryRun,
		Partition:     spec.PartitionSpec(),
		FallbackLimit: cfg.Run.FallbackLimit,
		Rule:          cfg.Mappings.SelectRule(spec.Source),
		Normalize:     cfg.Compat.Options(),
		Description:   fmt.Sprintf("Migrated from MaxCompute table %s.%s", cfg.Source.Project, spec.Source),
	}

	runID, err := store.CreateRun(spec.Source, job.TargetTable, cfg.Destination.Kind, string(mode))
	if err != nil {
		logging.Warn("Recording run start failed: %v", err)
		runID = ""
	}

	tracker := progress.New(spec.Source)
	report := orchestrator.New(src, dst, job, orchestrator.WithSink(tracker)).Run(ctx)
	tracker.Finish()

	if runID != "" {
		status := state.StatusSuccess
		errMsg := ""
		if report.Err != nil {
			status = state.StatusFailed
			errMsg = report.Err.Error()
		}
		if err := store.CompleteRun(runID, status, string(report.State),
			report.Rows, int64(report.Batches), errMsg); err != nil {
			logging.Warn("Recording run result failed: %v", err)
		}
	}
	return report
}

// selectTables narrows the configured tables to one source table when
// the --table flag is set. Matching is case-insensitive.
func selectTables(tables []config.TableSpec, name string) ([]config.TableSpec, error) {
	if name == "" {
		return tables, nil
	}
	var out []config.TableSpec
	for _, t := range tables {
		if strings.EqualFold(t.Source, name) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("table %q is not in the configuration", name)
	}
	return out, nil
}

// confirmOverwrite prompts before a destructive run.
func confirmOverwrite(tables int, kind string) bool {
	fmt.Printf("Overwrite mode will drop and recreate %d table(s) in %s. Continue? [y/N]: ", tables, kind)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// runCheck validates the configuration without touching destination
// tables: connectivity both ways, schema discovery and mapping rule
// compilation for every configured table.
func runCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	src, err := maxcompute.Open(&cfg.Source)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()
	if err := src.TestConnection(ctx); err != nil {
		return err
	}

	d, err := driver.Lookup(cfg.Destination.Kind)
	if err != nil {
		return err
	}
	dst, err := d.Open(&cfg.Destination)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer dst.Close()
	if err := dst.TestConnection(ctx); err != nil {
		return err
	}

	var problems int
	for _, spec := range cfg.Run.Tables {
		table, err := src.DiscoverSchema(ctx, spec.Source)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", spec.Source, err)
			problems++
			continue
		}
		if err := table.CheckUniqueColumns(); err != nil {
			fmt.Printf("FAIL %s: %v\n", spec.Source, err)
			problems++
			continue
		}

		rule := cfg.Mappings.SelectRule(spec.Source)
		if rule != nil && !dst.SupportsMapping() {
			fmt.Printf("WARN %s: mapping rule ignored for %s destinations\n", spec.Source, dst.Kind())
			rule = nil
		}
		pipeline, err := mapping.Compile(rule, table.DataColumns())
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", spec.Source, err)
			problems++
			continue
		}

		planned := pipeline.Plan(spec.TargetName(), dst.Kind())
		fmt.Printf("OK   %s -> %s (%d columns)\n", spec.Source, spec.TargetName(), len(planned.Columns))
		if logging.IsDebug() {
			for _, col := range planned.Columns {
				fmt.Printf("     %-30s %s\n", col.Name, col.Type)
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d table(s) failed validation", problems)
	}
	fmt.Printf("All %d table(s) validated.\n", len(cfg.Run.Tables))
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Run.StatePath)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	if runID := c.String("run"); runID != "" {
		run, err := store.GetRunByID(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		printRun(run)
		return nil
	}

	runs, err := store.GetAllRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-20s  %-9s  %-10s  %10s  %s\n",
		"ID", "SOURCE", "TARGET", "MODE", "STATUS", "ROWS", "STARTED")
	for _, run := range runs {
		fmt.Printf("%-36s  %-20s  %-20s  %-9s  %-10s  %10d  %s\n",
			run.ID, run.SourceTable, run.TargetTable, run.Mode, run.Status,
			run.Rows, run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Run.StatePath)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	run, err := store.GetLastRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No runs recorded.")
		return nil
	}
	printRun(run)
	return nil
}

func printRun(run *state.Run) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Table:    %s -> %s (%s)\n", run.SourceTable, run.TargetTable, run.Kind)
	fmt.Printf("Mode:     %s\n", run.Mode)
	fmt.Printf("Status:   %s (stage %s)\n", run.Status, run.Stage)
	fmt.Printf("Rows:     %d in %d batches\n", run.Rows, run.Batches)
	fmt.Printf("Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("Finished: %s (%s)\n", run.FinishedAt.Local().Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
}
