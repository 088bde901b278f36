package agent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	_ "modernc.org/sqlite"

	"plugin-fleet/pkg/model"
)

// DefaultStatePath is where the agent keeps its plugin inventory.
const DefaultStatePath = "/var/lib/plugin-fleet/state.db"

// Plugin states kept in the inventory.
const (
	StatusDownloaded = "downloaded"
	StatusEnabled    = "enabled"
)

const schema = `
CREATE TABLE IF NOT EXISTS plugins(
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	type INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	ts INTEGER NOT NULL,
	PRIMARY KEY(name, version)
);
CREATE TABLE IF NOT EXISTS command_cursor(
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last INTEGER NOT NULL
);`

// InventoryEntry is one plugin the node holds.
type InventoryEntry struct {
	Name      string
	Version   string
	Type      model.PluginType
	Status    string
	UpdatedAt time.Time
}

// Inventory is the node-local record of plugins and the command cursor.
type Inventory struct {
	db    *sql.DB
	clock clock.Clock
}

// OpenInventory opens or creates the sqlite inventory at path. Entries are stamped with clk;
// nil means wall time.
func OpenInventory(ctx context.Context, path string, clk clock.Clock) (*Inventory, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("inventory mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("inventory open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inventory ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inventory schema: %w", err)
	}
	return &Inventory{db: db, clock: clk}, nil
}

func (i *Inventory) Close() error {
	return i.db.Close()
}

// Mark records a plugin with status. An enabled plugin is never moved back to downloaded.
func (i *Inventory) Mark(ctx context.Context, p model.ReportedPlugin, status string) error {
	_, err := i.db.ExecContext(ctx, `
INSERT INTO plugins(name, version, type, status, ts) VALUES(?,?,?,?,?)
ON CONFLICT(name, version) DO UPDATE SET
	type = CASE WHEN excluded.type = 0 THEN plugins.type ELSE excluded.type END,
	status = CASE WHEN plugins.status = 'enabled' THEN 'enabled' ELSE excluded.status END,
	ts = excluded.ts`,
		p.Name, p.Version, int(p.Type), status, i.clock.Now().Unix())
	return err
}

func (i *Inventory) Delete(ctx context.Context, name, version string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM plugins WHERE name=? AND version=?`, name, version)
	return err
}

// Entries lists every recorded plugin ordered by name and version.
func (i *Inventory) Entries(ctx context.Context) ([]InventoryEntry, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT name, version, type, status, ts FROM plugins ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InventoryEntry
	for rows.Next() {
		var (
			e  InventoryEntry
			t  int
			ts int64
		)
		if err := rows.Scan(&e.Name, &e.Version, &t, &e.Status, &ts); err != nil {
			return nil, err
		}
		e.Type = model.PluginType(t)
		e.UpdatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Enabled returns the plugins to report to the controller.
func (i *Inventory) Enabled(ctx context.Context) ([]model.ReportedPlugin, error) {
	entries, err := i.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.ReportedPlugin{}
	for _, e := range entries {
		if e.Status == StatusEnabled {
			out = append(out, model.ReportedPlugin{Name: e.Name, Version: e.Version, Type: e.Type})
		}
	}
	return out, nil
}

// Cursor returns the id of the last processed command.
func (i *Inventory) Cursor(ctx context.Context) (uint64, error) {
	var last uint64
	err := i.db.QueryRowContext(ctx, `SELECT last FROM command_cursor WHERE id = 1`).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, err
}

func (i *Inventory) SetCursor(ctx context.Context, last uint64) error {
	_, err := i.db.ExecContext(ctx, `
INSERT INTO command_cursor(id, last) VALUES(1, ?)
ON CONFLICT(id) DO UPDATE SET last = excluded.last`, last)
	return err
}
