// Package tenant provides tenant configuration storage and resolution.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/capitalize-ai/messenger-relay/internal/model"
)

// ErrNotFound is returned when no active tenant matches a lookup. Callers on
// the inbound path drop the event silently; an unconfigured tenant is not an
// error worth surfacing to the end user.
var ErrNotFound = errors.New("tenant not found")

// Registry is the sqlite-backed tenant configuration store.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (or creates) the tenant database at dbPath.
func NewRegistry(dbPath string) (*Registry, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			page_id TEXT UNIQUE NOT NULL,
			page_token TEXT,
			system_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT 'gpt-4o',
			temperature REAL NOT NULL DEFAULT 0.4,
			forbidden_words TEXT NOT NULL DEFAULT '[]',
			handoff_sentinel TEXT NOT NULL DEFAULT '',
			handoff_message TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			notify_enabled INTEGER NOT NULL DEFAULT 0,
			notify_webhook_url TEXT
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tenants table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(active)`)

	return &Registry{db: db}, nil
}

const tenantColumns = `id, name, page_id, page_token, system_prompt, model, temperature,
	forbidden_words, handoff_sentinel, handoff_message, active, notify_enabled, notify_webhook_url`

// Resolve maps a platform routing key to its active tenant configuration.
// Fails fast with ErrNotFound for unknown or deactivated tenants.
func (r *Registry) Resolve(ctx context.Context, pageID string) (*model.TenantConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE page_id = ? AND active = 1`, pageID)
	return scanTenant(row)
}

// Get returns a tenant by its internal id regardless of active flag.
func (r *Registry) Get(ctx context.Context, id string) (*model.TenantConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// List returns all tenants ordered by id.
func (r *Registry) List(ctx context.Context) ([]model.TenantConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.TenantConfig
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// Upsert inserts or replaces a tenant configuration, keyed by id.
func (r *Registry) Upsert(ctx context.Context, t *model.TenantConfig) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.PageID == "" {
		return errors.New("tenant page_id is required")
	}

	words, err := json.Marshal(t.ForbiddenWords)
	if err != nil {
		return fmt.Errorf("encode forbidden words: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			page_id = excluded.page_id,
			page_token = excluded.page_token,
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			temperature = excluded.temperature,
			forbidden_words = excluded.forbidden_words,
			handoff_sentinel = excluded.handoff_sentinel,
			handoff_message = excluded.handoff_message,
			active = excluded.active,
			notify_enabled = excluded.notify_enabled,
			notify_webhook_url = excluded.notify_webhook_url
	`, t.ID, t.Name, t.PageID, t.PageToken, t.SystemPrompt, t.Model, t.Temperature,
		string(words), t.HandoffSentinel, t.HandoffMessage,
		boolToInt(t.Active), boolToInt(t.NotifyEnabled), t.NotifyWebhookURL)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// Ping reports registry database health.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*model.TenantConfig, error) {
	var (
		t          model.TenantConfig
		words      string
		pageToken  sql.NullString
		webhookURL sql.NullString
		active     int
		notify     int
	)
	err := row.Scan(&t.ID, &t.Name, &t.PageID, &pageToken, &t.SystemPrompt, &t.Model,
		&t.Temperature, &words, &t.HandoffSentinel, &t.HandoffMessage,
		&active, &notify, &webhookURL)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.PageToken = pageToken.String
	t.NotifyWebhookURL = webhookURL.String
	t.Active = active != 0
	t.NotifyEnabled = notify != 0
	if err := json.Unmarshal([]byte(words), &t.ForbiddenWords); err != nil {
		return nil, fmt.Errorf("decode forbidden words: %w", err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
