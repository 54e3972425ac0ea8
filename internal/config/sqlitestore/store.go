// Package sqlitestore is a config.Store backed by a local SQLite database,
// grounded on docker/mcp-gateway's pkg/db (sqlx.DB over modernc.org/sqlite,
// golang-migrate/migrate/v4 file-source migrations, embedded via
// embed.FS). It is a concrete stand-in for the external admin-surface
// collaborator spec.md §1 places out of scope — not that surface itself,
// just something the coordinator's hot-reload loop can read from in this
// repository.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/kagenti/mcp-orchestrator/internal/domain"

	// registers the "sqlite" driver used by sql.Open below.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements config.Store, plus config.Notifier, over a sqlx.DB.
type Store struct {
	config.Notifier
	db *sqlx.DB
}

// Option configures a Store at construction time.
type Option func(*options)

type options struct {
	dbFile string
}

// WithDatabaseFile sets the sqlite file path. Defaults to an in-memory
// database when omitted, matching the "shared cache" in-memory DSN the
// modernc.org/sqlite driver supports — useful for tests and for the
// zero-external-dependency dev/eval path.
func WithDatabaseFile(path string) Option {
	return func(o *options) { o.dbFile = path }
}

// New opens (creating if necessary) the sqlite database and runs every
// pending migration.
func New(opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	dsn := "file::memory:?cache=shared&_pragma=foreign_keys(ON)"
	if o.dbFile != "" {
		dsn = "file:" + o.dbFile + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	rawDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	rawDB.SetMaxOpenConns(1)
	rawDB.SetMaxIdleConns(1)
	rawDB.SetConnMaxLifetime(0)

	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(rawDB, &msqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: sqlx.NewDb(rawDB, "sqlite")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the active upstream/policy/virtual-server rows, satisfying
// config.Store.
func (s *Store) Load(ctx context.Context) (*config.Snapshot, error) {
	var upstreamRows []config.UpstreamConfig
	if err := s.db.SelectContext(ctx, &upstreamRows, `
		SELECT name, url, transport, timeout_seconds, max_retries, retry_delay_ms,
		       auth_kind, auth_secret, enabled
		FROM upstreams
		ORDER BY name`); err != nil {
		return nil, fmt.Errorf("select upstreams: %w", err)
	}

	upstreams := make([]*domain.Upstream, 0, len(upstreamRows))
	for i := range upstreamRows {
		u, err := upstreamRows[i].ToDomain()
		if err != nil {
			continue
		}
		upstreams = append(upstreams, u)
	}

	type policyRow struct {
		RoleName     string `db:"role_name"`
		MCPAccess    string `db:"mcp_access_json"`
		Restrictions string `db:"tool_restrictions_json"`
		Grants       string `db:"service_grants_json"`
	}
	var policyRows []policyRow
	if err := s.db.SelectContext(ctx, &policyRows, `
		SELECT role_name, mcp_access_json, tool_restrictions_json, service_grants_json
		FROM role_policies`); err != nil {
		return nil, fmt.Errorf("select role policies: %w", err)
	}

	policies := make(map[string]domain.UserContextPolicy, len(policyRows))
	for _, row := range policyRows {
		pc := config.PolicyConfig{RoleName: row.RoleName}
		_ = pc.UnmarshalStoredJSON(row.MCPAccess, row.Restrictions, row.Grants)
		policies[row.RoleName] = pc.ToDomain()
	}

	type virtualServerRow struct {
		Name      string `db:"name"`
		ToolsJSON string `db:"tools_json"`
	}
	var vsRows []virtualServerRow
	if err := s.db.SelectContext(ctx, &vsRows, `SELECT name, tools_json FROM virtual_servers`); err != nil {
		return nil, fmt.Errorf("select virtual servers: %w", err)
	}
	virtualServers := make([]*config.VirtualServer, 0, len(vsRows))
	for _, row := range vsRows {
		var tools []string
		if err := json.Unmarshal([]byte(row.ToolsJSON), &tools); err != nil {
			continue
		}
		virtualServers = append(virtualServers, &config.VirtualServer{Name: row.Name, Tools: tools})
	}

	return &config.Snapshot{Upstreams: upstreams, Policies: policies, VirtualServers: virtualServers}, nil
}

// UpsertUpstream inserts or replaces one upstream row. Exposed so a local
// admin tool can drive this store without going through the file format.
func (s *Store) UpsertUpstream(ctx context.Context, c config.UpstreamConfig) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO upstreams (name, url, transport, timeout_seconds, max_retries, retry_delay_ms, auth_kind, auth_secret, enabled)
		VALUES (:name, :url, :transport, :timeout_seconds, :max_retries, :retry_delay_ms, :auth_kind, :auth_secret, :enabled)
		ON CONFLICT(name) DO UPDATE SET
			url=excluded.url, transport=excluded.transport, timeout_seconds=excluded.timeout_seconds,
			max_retries=excluded.max_retries, retry_delay_ms=excluded.retry_delay_ms,
			auth_kind=excluded.auth_kind, auth_secret=excluded.auth_secret, enabled=excluded.enabled
	`, c)
	return err
}
