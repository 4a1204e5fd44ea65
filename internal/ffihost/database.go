// Package ffihost implements the foreign-call capability bundle a
// front-end's native instructions dispatch into: SQL connections and
// WebSocket sessions reachable as host calls from bytecode, the way
// the teacher's internal/vm wired sql_connect/sql_query native
// functions over internal/database's DBManager
// (database_bindings.go) and websocket_send over
// internal/network's WebSocketConn (network_websocket.go). Here the
// binding point is ForeignCapabilitySet rather than a Lua-specific VM
// NativeFunction table, so either the threaded interpreter or the JIT
// can expose the same capability.
package ffihost

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

// DBConn is one open, named database connection.
type DBConn struct {
	ID       string
	Driver   string
	DB       *sql.DB
	Created  time.Time
	LastUsed time.Time
}

// DBHost owns every open SQL connection a running program has
// established, keyed by the connection id the front-end chose.
type DBHost struct {
	mu    sync.RWMutex
	conns map[string]*DBConn
}

func NewDBHost() *DBHost {
	return &DBHost{conns: make(map[string]*DBConn)}
}

func driverFor(dbType string) (string, error) {
	switch dbType {
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	default:
		return "", errors.Errorf("ffihost: unsupported database type %q", dbType)
	}
}

// Connect opens and pings a new connection, registering it under id.
func (h *DBHost) Connect(id, dbType, dsn string) error {
	driver, err := driverFor(dbType)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[id]; exists {
		return errors.Errorf("ffihost: connection %q already exists", id)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return errors.Wrap(err, "ffihost: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return errors.Wrap(err, "ffihost: ping")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	h.conns[id] = &DBConn{ID: id, Driver: driver, DB: db, Created: time.Now(), LastUsed: time.Now()}
	return nil
}

func (h *DBHost) get(id string) (*DBConn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	if !ok {
		return nil, errors.Errorf("ffihost: no connection %q", id)
	}
	return c, nil
}

// Close releases and forgets a connection.
func (h *DBHost) Close(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return errors.Errorf("ffihost: no connection %q", id)
	}
	delete(h.conns, id)
	return c.DB.Close()
}

// Exec runs a statement that doesn't return rows.
func (h *DBHost) Exec(id, query string, args ...interface{}) (int64, error) {
	c, err := h.get(id)
	if err != nil {
		return 0, err
	}
	c.LastUsed = time.Now()
	res, err := c.DB.Exec(query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "ffihost: exec")
	}
	return res.RowsAffected()
}

// Query runs a statement that returns rows, materializing every row as
// a column-name-keyed map (mirrors the teacher's DBManager.Query).
func (h *DBHost) Query(id, query string, args ...interface{}) ([]map[string]interface{}, error) {
	c, err := h.get(id)
	if err != nil {
		return nil, err
	}
	c.LastUsed = time.Now()

	rows, err := c.DB.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "ffihost: query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "ffihost: columns")
	}

	var out []map[string]interface{}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "ffihost: scan")
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// List reports every live connection id and driver, used by a
// front-end's diagnostic builtin (e.g. sql_list).
func (h *DBHost) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id, c := range h.conns {
		out = append(out, fmt.Sprintf("%s (%s)", id, c.Driver))
	}
	return out
}
