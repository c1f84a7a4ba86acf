package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-features/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-features/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-features/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-features/pkg/config"
	"github.com/ekaya-inc/ekaya-features/pkg/database"
	"github.com/ekaya-inc/ekaya-features/pkg/dataset"
	"github.com/ekaya-inc/ekaya-features/pkg/logging"
	"github.com/ekaya-inc/ekaya-features/pkg/repositories"
	"github.com/ekaya-inc/ekaya-features/pkg/services"
	"github.com/ekaya-inc/ekaya-features/pkg/workflow"
)

// Version is set at build time via ldflags
var Version = "dev"

const usage = `usage: ekaya-features [-config path] <command> [args]

commands:
  migrate                      apply artifact store migrations
  list                         list stored workflows
  describe <name>              print the latest revision of a workflow as YAML
  sources                      list supported source database types
  fit <name> -source -conn -query
                               fit a stored workflow on a query and save a new revision
  apply <name> -source -conn -query
                               transform a query with a stored workflow, CSV to stdout

-conn names a YAML file with the source connection fields (host, port,
database, user or username, password, ...).
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("Command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, command string, args []string) error {
	if command == "sources" {
		for _, info := range datasource.RegisteredSources() {
			fmt.Printf("%-10s %s\n", info.Type, info.DisplayName)
		}
		return nil
	}
	if !cfg.Store.Enabled {
		return errors.New("the artifact store is disabled; set store.enabled or STORE_ENABLED")
	}

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Int("workers", cfg.Workflow.EffectiveWorkers()),
		zap.Bool("redis_cache", cfg.Redis.Host != ""))

	if command == "migrate" {
		return database.Migrate(cfg.Database.ConnectionString(), cfg.Store.MigrationsPath, logger)
	}

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch command {
	case "list":
		return listWorkflows(ctx, store)
	case "describe":
		if len(args) != 1 {
			return errors.New("describe takes exactly one workflow name")
		}
		return describeWorkflow(ctx, cfg, store, args[0])
	case "fit", "apply":
		return runQuery(ctx, cfg, logger, store, command, args)
	}
	return fmt.Errorf("unknown command %q", command)
}

// openStore connects to PostgreSQL, applies migrations and wraps the
// artifact repository in the Redis cache when one is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.WorkflowStore, func(), error) {
	db, err := database.Connect(ctx, database.ConfigFrom(&cfg.Database), cfg.Store.ConnectRetries, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(cfg.Database.ConnectionString(), cfg.Store.MigrationsPath, logger); err != nil {
		db.Close()
		return nil, nil, err
	}

	repo := repositories.NewWorkflowArtifactRepository(db)
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, artifact cache disabled", zap.Error(err))
	}
	if redisClient != nil {
		repo = repositories.NewCachedWorkflowArtifactRepository(repo, redisClient, cfg.Redis.CacheTTL, logger)
	}

	cleanup := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		db.Close()
	}
	return services.NewWorkflowStore(repo, logger), cleanup, nil
}

func listWorkflows(ctx context.Context, store services.WorkflowStore) error {
	summaries, err := store.List(ctx, 100)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tREVISION\tFITTED\tCREATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", s.Name, s.Revision, s.Fitted, s.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func describeWorkflow(ctx context.Context, cfg *config.Config, store services.WorkflowStore, name string) error {
	w, err := store.Load(ctx, name, workflow.LoadOptions{Workers: cfg.Workflow.EffectiveWorkers()})
	if err != nil {
		return err
	}
	out, err := workflow.DescribeYAML(w)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// runQuery reads a source query and either fits the named workflow on it or
// streams its transform to stdout.
func runQuery(ctx context.Context, cfg *config.Config, logger *zap.Logger, store services.WorkflowStore, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	sourceType := fs.String("source", "postgres", "source database type")
	connPath := fs.String("conn", "", "YAML file with the source connection fields")
	query := fs.String("query", "", "source query; use ORDER BY for reproducible folds")
	if len(args) == 0 {
		return fmt.Errorf("%s takes a workflow name", command)
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *connPath == "" || *query == "" {
		return fmt.Errorf("%s requires -conn and -query", command)
	}

	connConfig, err := readConnConfig(*connPath)
	if err != nil {
		return err
	}

	w, err := store.Load(ctx, name, workflow.LoadOptions{Logger: logger, Workers: cfg.Workflow.EffectiveWorkers()})
	if err != nil {
		return err
	}

	src, err := datasource.Open(ctx, *sourceType, connConfig)
	if err != nil {
		return err
	}
	defer src.Close()
	ds := dataset.FromQuery(src, cfg.Workflow.PartitionRows, *query)

	if command == "fit" {
		if err := w.Fit(ctx, ds); err != nil {
			return err
		}
		_, err := store.Save(ctx, name, w)
		return err
	}

	rows, err := dataset.WriteCSV(ctx, w.Transform(ds), os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("Transform written", zap.String("workflow", name), zap.Int64("rows", rows))
	return nil
}

func readConnConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source connection file: %w", err)
	}
	var conn map[string]any
	if err := yaml.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return conn, nil
}
