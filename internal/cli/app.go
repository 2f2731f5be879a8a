package cli

import (
	"database/sql"

	"github.com/spf13/viper"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/collector/postgres"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/document"
	"github.com/servaudit/servaudit/internal/pkg/logger"
	"github.com/servaudit/servaudit/internal/repository/sqlite"
	"github.com/servaudit/servaudit/internal/scheduler"
	"github.com/servaudit/servaudit/internal/services"
	"github.com/servaudit/servaudit/migrations"
)

// app wires the engine for one command invocation: config, store, document
// codec, collectors and services. Commands open it in RunE and close it on
// the way out
type app struct {
	cfg     *config.Config
	db      *sql.DB
	stores  services.Stores
	sync    *services.SyncService
	status  *services.StatusService
	targets []config.Target
	logger  *logger.Logger
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// Values from the config file override the environment
	if v := viper.GetString("db_path"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("workbook_dir"); v != "" {
		cfg.Workbook.Dir = v
	}
	if v := viper.GetString("targets_file"); v != "" {
		cfg.Audit.TargetsFile = v
	}
	if v := viper.GetString("schedule"); v != "" {
		cfg.Service.Schedule = v
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	targets, err := config.LoadTargets(cfg.Audit.TargetsFile)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := sqlite.RunMigrations(db, migrations.GetFS()); err != nil {
		db.Close()
		return nil, err
	}

	stores := services.Stores{
		Runs:        sqlite.NewRunRepository(db),
		Committer:   sqlite.NewCommitter(db),
		States:      sqlite.NewStateRepository(db),
		Annotations: sqlite.NewAnnotationRepository(db),
		Identities:  sqlite.NewIdentityRepository(db),
		Entries:     sqlite.NewActionLogRepository(db),
	}

	workbook := document.NewCSVWorkbook(cfg.Workbook.Dir, log)
	lock := document.NewSidecarLockChecker(cfg.Workbook.Dir)
	registry := collector.NewRegistry(postgres.NewCollectors(log)...)
	sched := scheduler.New(cfg.Scheduler, log)

	ingest := services.NewIngestService(workbook, lock, stores.Annotations, stores.Identities, cfg.Workbook.IgnoreLock, log)
	diff := services.NewDiffService(stores, cfg.Audit.MigrateAnnotations, log)

	return &app{
		cfg:     cfg,
		db:      db,
		stores:  stores,
		sync:    services.NewSyncService(stores, ingest, diff, workbook, sched, registry, targets, log),
		status:  services.NewStatusService(stores, log),
		targets: targets,
		logger:  log,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
