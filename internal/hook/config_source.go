package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// entry is the wire/row shape shared by every configuration tier: the local file, the central key-value store,
// and the dynamic Postgres-backed store. It serializes cleanly as both YAML and JSON so the same struct can be
// decoded from a file, a Redis hash value, or a database row.
type entry struct {
	Name             string            `json:"name" yaml:"name"`
	Point            Point             `json:"point" yaml:"point"`
	TenantID         uuid.UUID         `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Tenants          []string          `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	ConversationTypes []string         `json:"conversation_types,omitempty" yaml:"conversation_types,omitempty"`
	MessageTypes     []string          `json:"message_types,omitempty" yaml:"message_types,omitempty"`
	UserIDs          []string          `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	Tags             map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Transport        Transport         `json:"transport" yaml:"transport"`
	Priority         int               `json:"priority" yaml:"priority"`
	TimeoutMS        int               `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries       int               `json:"max_retries" yaml:"max_retries"`
	ErrorPolicy      ErrorPolicy       `json:"error_policy" yaml:"error_policy"`
	RequireSuccess   bool              `json:"require_success" yaml:"require_success"`
	WebhookURL       string            `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	WebhookSecret    string            `json:"webhook_secret,omitempty" yaml:"webhook_secret,omitempty"`
	InProcessAdapter string            `json:"in_process_adapter,omitempty" yaml:"in_process_adapter,omitempty"`
	Enabled          bool              `json:"enabled" yaml:"enabled"`
}

func (e entry) toConfig() Config {
	return Config{
		Name:     e.Name,
		Point:    e.Point,
		TenantID: e.TenantID,
		Selector: Selector{
			Tenants:           e.Tenants,
			ConversationTypes: e.ConversationTypes,
			MessageTypes:      e.MessageTypes,
			UserIDs:           e.UserIDs,
			Tags:              e.Tags,
		},
		Transport:        e.Transport,
		Priority:         e.Priority,
		Timeout:          time.Duration(e.TimeoutMS) * time.Millisecond,
		MaxRetries:       e.MaxRetries,
		ErrorPolicy:      e.ErrorPolicy,
		RequireSuccess:   e.RequireSuccess,
		WebhookURL:       e.WebhookURL,
		WebhookSecret:    e.WebhookSecret,
		InProcessAdapter: e.InProcessAdapter,
	}
}

// Source is one configuration tier in the §4.6 precedence chain.
type Source interface {
	Load(ctx context.Context) ([]Config, error)
}

// FileSource reads hook definitions from a local YAML file, the lowest-precedence tier. A missing path or file
// is treated as "no configuration" rather than an error, since this tier is optional.
type FileSource struct {
	Path string
}

func (s FileSource) Load(ctx context.Context) ([]Config, error) {
	if s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hook config file: %w", err)
	}
	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse hook config file: %w", err)
	}
	configs := make([]Config, 0, len(entries))
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		configs = append(configs, e.toConfig())
	}
	return configs, nil
}

// KVSource reads hook definitions from a single Redis hash, the "central key-value configuration" tier:
// field = hook name, value = JSON-encoded entry. This lets an operator push a cluster-wide override without a
// schema migration, one step below the dynamic per-tenant store.
type KVSource struct {
	Client *redis.Client
	Key    string
}

func (s KVSource) Load(ctx context.Context) ([]Config, error) {
	if s.Client == nil || s.Key == "" {
		return nil, nil
	}
	fields, err := s.Client.HGetAll(ctx, s.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("read hook kv config: %w", err)
	}
	configs := make([]Config, 0, len(fields))
	for name, raw := range fields {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode hook kv entry %q: %w", name, err)
		}
		if !e.Enabled {
			continue
		}
		if e.Name == "" {
			e.Name = name
		}
		configs = append(configs, e.toConfig())
	}
	return configs, nil
}

// PGRepository is the dynamic per-tenant store, the highest-precedence tier: an operator or tenant admin can
// register a hook through the admin API (internal/api) without touching the central config or redeploying.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new Postgres-backed hook configuration store.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// transportConfig is the shape stored in hook_configs.transport_config, covering the fields that vary by
// Transport (webhook URL/secret, or the name of a registered in-process Adapter).
type transportConfig struct {
	WebhookURL       string `json:"webhook_url,omitempty"`
	WebhookSecret    string `json:"webhook_secret,omitempty"`
	InProcessAdapter string `json:"in_process_adapter,omitempty"`
}

// selectorJSON is the shape stored in hook_configs.selector.
type selectorJSON struct {
	Tenants           []string          `json:"tenants,omitempty"`
	ConversationTypes []string          `json:"conversation_types,omitempty"`
	MessageTypes      []string          `json:"message_types,omitempty"`
	UserIDs           []string          `json:"user_ids,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

func (r *PGRepository) Load(ctx context.Context) ([]Config, error) {
	rows, err := r.db.Query(ctx, `SELECT name, hook_type, tenant_id, selector, transport, priority, timeout_ms,
       max_retries, error_policy, require_success, transport_config
FROM hook_configs WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("query hook configs: %w", err)
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var e entry
		var selRaw, tcRaw []byte
		if err := rows.Scan(&e.Name, &e.Point, &e.TenantID, &selRaw, &e.Transport, &e.Priority, &e.TimeoutMS, &e.MaxRetries,
			&e.ErrorPolicy, &e.RequireSuccess, &tcRaw); err != nil {
			return nil, fmt.Errorf("scan hook config: %w", err)
		}
		var sel selectorJSON
		if len(selRaw) > 0 {
			if err := json.Unmarshal(selRaw, &sel); err != nil {
				return nil, fmt.Errorf("decode hook config selector for %q: %w", e.Name, err)
			}
		}
		e.Tenants, e.ConversationTypes, e.MessageTypes, e.UserIDs, e.Tags =
			sel.Tenants, sel.ConversationTypes, sel.MessageTypes, sel.UserIDs, sel.Tags

		var tc transportConfig
		if len(tcRaw) > 0 {
			if err := json.Unmarshal(tcRaw, &tc); err != nil {
				return nil, fmt.Errorf("decode hook config transport_config for %q: %w", e.Name, err)
			}
		}
		e.WebhookURL, e.WebhookSecret, e.InProcessAdapter = tc.WebhookURL, tc.WebhookSecret, tc.InProcessAdapter

		configs = append(configs, e.toConfig())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hook configs: %w", err)
	}
	return configs, nil
}

// Upsert inserts or replaces a dynamic hook configuration by name, used by the admin API.
func (r *PGRepository) Upsert(ctx context.Context, name string, c Config, enabled bool) error {
	sel, err := json.Marshal(selectorJSON{
		Tenants:           c.Selector.Tenants,
		ConversationTypes: c.Selector.ConversationTypes,
		MessageTypes:      c.Selector.MessageTypes,
		UserIDs:           c.Selector.UserIDs,
		Tags:              c.Selector.Tags,
	})
	if err != nil {
		return fmt.Errorf("encode hook config selector: %w", err)
	}
	tc, err := json.Marshal(transportConfig{
		WebhookURL:       c.WebhookURL,
		WebhookSecret:    c.WebhookSecret,
		InProcessAdapter: c.InProcessAdapter,
	})
	if err != nil {
		return fmt.Errorf("encode hook config transport_config: %w", err)
	}

	_, err = r.db.Exec(ctx, `INSERT INTO hook_configs
    (tenant_id, name, hook_type, selector, transport, priority, timeout_ms, max_retries, error_policy,
     require_success, transport_config, enabled, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
ON CONFLICT (tenant_id, hook_type, name) DO UPDATE SET
    selector = EXCLUDED.selector, transport = EXCLUDED.transport, priority = EXCLUDED.priority,
    timeout_ms = EXCLUDED.timeout_ms, max_retries = EXCLUDED.max_retries, error_policy = EXCLUDED.error_policy,
    require_success = EXCLUDED.require_success, transport_config = EXCLUDED.transport_config,
    enabled = EXCLUDED.enabled, updated_at = now()`,
		c.TenantID, name, c.Point, sel, c.Transport, c.Priority, int(c.Timeout/time.Millisecond), c.MaxRetries,
		c.ErrorPolicy, c.RequireSuccess, tc, enabled)
	if err != nil {
		return fmt.Errorf("upsert hook config: %w", err)
	}
	return nil
}

// Delete removes a dynamic hook configuration by name within a tenant (uuid.Nil for the shared/global
// registration), used by the admin API.
func (r *PGRepository) Delete(ctx context.Context, tenantID uuid.UUID, hookType Point, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM hook_configs WHERE tenant_id = $1 AND hook_type = $2 AND name = $3`,
		tenantID, hookType, name)
	if err != nil {
		return fmt.Errorf("delete hook config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
