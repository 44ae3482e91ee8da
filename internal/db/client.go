// Package db is the SurrealDB backend of the docagent store.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/raphaelgruber/docagent/internal/store"
)

func init() {
	// The websocket upgrade fails if TLS negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Tables lists every table the store writes, dependents first.
var Tables = []string{
	"index_entry",
	"memory_snapshot",
	"memory_state",
	"task_detail",
	"agent_run",
	"document_task",
}

// Auth levels accepted in Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string
}

// Client is an authenticated connection to the docagent database. The
// underlying websocket reconnects with exponential backoff.
type Client struct {
	conn *rews.Connection[*gorillaws.Connection]
	db   *surrealdb.DB
	cfg  Config
	log  *slog.Logger
}

// NewClient connects, signs in and selects the configured namespace and
// database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "surrealdb")

	conn := dial(cfg, log)
	log.Info("connecting", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	c := &Client{conn: conn, db: db, cfg: cfg, log: log}
	if err := c.signIn(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	log.Info("connected", "namespace", cfg.Namespace, "database", cfg.Database)
	return c, nil
}

// dial builds the reconnecting websocket. gorillaws appends /rpc itself.
func dial(cfg Config, log *slog.Logger) *rews.Connection[*gorillaws.Connection] {
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer
	return conn
}

func (c *Client) signIn(ctx context.Context) error {
	auth := surrealdb.Auth{Username: c.cfg.Username, Password: c.cfg.Password}
	switch c.cfg.AuthLevel {
	case AuthDatabase:
		auth.Namespace = c.cfg.Namespace
		auth.Database = c.cfg.Database
	case AuthRoot, "":
	default:
		return fmt.Errorf("unsupported auth level %q", c.cfg.AuthLevel)
	}
	if _, err := c.db.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("signin as %s: %w", c.cfg.Username, err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.log.Info("closing connection")
	return c.conn.Close(ctx)
}

// DB returns the underlying SurrealDB handle.
func (c *Client) DB() *surrealdb.DB {
	return c.db
}

// InitSchema applies SchemaSQL and verifies the result. It is safe to run
// on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if err := c.VerifySchema(ctx); err != nil {
		return err
	}
	c.log.Info("schema ready", "tables", len(Tables))
	return nil
}

type dbInfo struct {
	Tables map[string]any `json:"tables"`
}

// VerifySchema fails with store.ErrPersistence when any of Tables is not
// defined in the selected database.
func (c *Client) VerifySchema(ctx context.Context) error {
	res, err := surrealdb.Query[dbInfo](ctx, c.db, "INFO FOR DB", nil)
	if err != nil {
		return wrapQueryError("verify schema", err)
	}
	if res == nil || len(*res) == 0 {
		return fmt.Errorf("verify schema: %w: empty database info", store.ErrPersistence)
	}

	defined := (*res)[0].Result.Tables
	var missing []string
	for _, table := range Tables {
		if _, ok := defined[table]; !ok {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("verify schema: %w: missing tables %s", store.ErrPersistence, strings.Join(missing, ", "))
	}
	return nil
}

// CountRecords returns the number of records in each of Tables.
func (c *Client) CountRecords(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(Tables))
	for _, table := range Tables {
		res, err := surrealdb.Query[[]struct {
			Count int `json:"count"`
		}](ctx, c.db, `SELECT count() AS count FROM type::table($table) GROUP ALL`, map[string]any{"table": table})
		if err != nil {
			return nil, wrapQueryError("count "+table, err)
		}
		if res != nil && len(*res) > 0 && len((*res)[0].Result) > 0 {
			counts[table] = (*res)[0].Result[0].Count
		} else {
			counts[table] = 0
		}
	}
	return counts, nil
}

// WipeData deletes every record of Tables and keeps the schema.
// Testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.log.Warn("wiping all data")
	for _, table := range Tables {
		if _, err := surrealdb.Query[any](ctx, c.db, `DELETE type::table($table)`, map[string]any{"table": table}); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	return nil
}
