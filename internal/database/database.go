package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"webui-deployer/internal/config"
	"webui-deployer/internal/logger"
	"webui-deployer/internal/models"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"

	DefaultListLimit = 50
)

var ErrNotFound = errors.New("deployment not found")

//go:embed migrations
var migrationsFS embed.FS

// DB is a deployments store on SQLite or PostgreSQL.
type DB struct {
	*sql.DB
	dialect string
}

// Open connects to PostgreSQL when DATABASE_URL is set, SQLite otherwise,
// and applies pending migrations.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	var (
		db  *DB
		err error
	)
	if cfg.UsesPostgres() {
		db, err = OpenPostgres(cfg.DatabaseURL)
	} else {
		db, err = OpenSQLite(cfg.DatabasePath)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func OpenSQLite(path string) (*DB, error) {
	dbLogger := logger.WithModule("database")
	dbLogger.WithField("path", path).Info("Initializing SQLite database")

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, dialect: DialectSQLite}, nil
}

func OpenPostgres(dsn string) (*DB, error) {
	logger.WithModule("database").Info("Initializing PostgreSQL database")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, dialect: DialectPostgres}, nil
}

func (db *DB) Dialect() string {
	return db.dialect
}

// Migrate applies the embedded schema migrations for the store's dialect.
func Migrate(ctx context.Context, db *DB) error {
	dir := "migrations/sqlite"
	if db.dialect == DialectPostgres {
		dir = "migrations/postgres"
	}

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(logger.WithModule("migrate"))

	if err := goose.SetDialect(db.dialect); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// CreateDeployment stores a new record with status pending. webuiURL and
// errText are stored as NULL when empty.
func (db *DB) CreateDeployment(ctx context.Context, in models.InsertDeployment, webuiURL, errText string) (*models.Deployment, error) {
	d := &models.Deployment{
		Name:       strings.TrimSpace(in.Name),
		YAMLConfig: in.YAMLConfig,
		Status:     models.StatusPending,
		WebUIURL:   nullable(webuiURL),
		Error:      nullable(errText),
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}

	query := db.rebind(`INSERT INTO deployments (name, yaml_config, status, webui_url, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)

	err := db.QueryRowContext(ctx, query,
		d.Name, d.YAMLConfig, d.Status, toNullString(d.WebUIURL), toNullString(d.Error), d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deployment: %w", err)
	}

	logger.WithModule("database").WithFields(logrus.Fields{
		"id":   d.ID,
		"name": d.Name,
	}).Info("Deployment record stored")
	return d, nil
}

func (db *DB) GetDeployment(ctx context.Context, id int64) (*models.Deployment, error) {
	row := db.QueryRowContext(ctx, db.rebind(`SELECT id, name, yaml_config, status, webui_url, error, created_at
		FROM deployments WHERE id = ?`), id)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %d: %w", id, err)
	}
	return d, nil
}

// ListDeployments returns up to limit records, newest first.
func (db *DB) ListDeployments(ctx context.Context, limit int) ([]models.Deployment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := db.QueryContext(ctx, db.rebind(`SELECT id, name, yaml_config, status, webui_url, error, created_at
		FROM deployments ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []models.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(s scanner) (*models.Deployment, error) {
	var (
		d        models.Deployment
		webuiURL sql.NullString
		errText  sql.NullString
	)
	if err := s.Scan(&d.ID, &d.Name, &d.YAMLConfig, &d.Status, &webuiURL, &errText, &d.CreatedAt); err != nil {
		return nil, err
	}
	if webuiURL.Valid {
		d.WebUIURL = &webuiURL.String
	}
	if errText.Valid {
		d.Error = &errText.String
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
