package config

import (
	"fmt"
	"strings"
)

// schema is written once with type placeholders and expanded per driver.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS admins (
		id {{pk}},
		email {{key}} UNIQUE NOT NULL,
		password_hash {{text}} NOT NULL,
		name {{text}} NOT NULL,
		is_active {{bool}} NOT NULL DEFAULT {{true}},
		is_super_admin {{bool}} NOT NULL DEFAULT {{false}},
		last_login_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_tokens (
		id {{pk}},
		secret_hash {{key}} UNIQUE NOT NULL,
		secret_prefix {{key}} NOT NULL,
		display_name {{key}} NOT NULL,
		description {{text}} NOT NULL,
		scopes_json {{text}} NOT NULL,
		allowed_endpoints_json {{text}} NOT NULL,
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
		is_active {{bool}} NOT NULL DEFAULT {{true}},
		expires_at {{ts}} NULL,
		created_by {{key}} NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		last_used_at {{ts}} NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ip_rules (
		id {{pk}},
		token_id {{bigint}} NOT NULL REFERENCES api_tokens(id) ON DELETE CASCADE,
		rule_type {{key}} NOT NULL,
		ip_address {{key}} NOT NULL,
		description {{text}} NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE(token_id, rule_type, ip_address)
	)`,

	`CREATE TABLE IF NOT EXISTS blocked_ips (
		id {{pk}},
		ip_address {{key}} UNIQUE NOT NULL,
		reason {{text}} NOT NULL,
		blocked_by {{key}} NOT NULL,
		created_at {{ts}} NOT NULL,
		expires_at {{ts}} NULL
	)`,

	// Event times are unix milliseconds so range scans and MIN/MAX behave
	// the same on every driver.
	`CREATE TABLE IF NOT EXISTS security_events (
		id {{pk}},
		event_type {{key}} NOT NULL,
		token_id {{bigint}} NULL,
		ip_address {{key}} NOT NULL,
		endpoint {{text}} NOT NULL,
		metadata_json {{text}} NOT NULL,
		created_ms {{bigint}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS token_rotations (
		id {{pk}},
		token_id {{bigint}} NOT NULL REFERENCES api_tokens(id) ON DELETE CASCADE,
		rotated_by {{key}} NOT NULL,
		reason {{text}} NOT NULL,
		rotated_at {{ts}} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name {{key}} PRIMARY KEY,
		value {{text}} NOT NULL
	)`,

	`CREATE INDEX {{ifnotexists}} idx_api_tokens_prefix ON api_tokens(secret_prefix)`,
	`CREATE INDEX {{ifnotexists}} idx_ip_rules_token ON ip_rules(token_id)`,
	`CREATE INDEX {{ifnotexists}} idx_security_events_created ON security_events(created_ms)`,
	`CREATE INDEX {{ifnotexists}} idx_security_events_ip ON security_events(ip_address, created_ms)`,
	`CREATE INDEX {{ifnotexists}} idx_token_rotations_token ON token_rotations(token_id)`,
}

func dialectReplacer(driver string) *strings.Replacer {
	switch driver {
	case DriverPostgres:
		return strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{key}}", "TEXT",
			"{{text}}", "TEXT",
			"{{ts}}", "TIMESTAMPTZ",
			"{{bool}}", "BOOLEAN",
			"{{true}}", "TRUE",
			"{{false}}", "FALSE",
			"{{bigint}}", "BIGINT",
			"{{ifnotexists}}", "IF NOT EXISTS",
		)
	case DriverMySQL:
		// MySQL cannot index TEXT without a prefix length and has no
		// CREATE INDEX IF NOT EXISTS.
		return strings.NewReplacer(
			"{{pk}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
			"{{key}}", "VARCHAR(255)",
			"{{text}}", "TEXT",
			"{{ts}}", "DATETIME(6)",
			"{{bool}}", "TINYINT(1)",
			"{{true}}", "1",
			"{{false}}", "0",
			"{{bigint}}", "BIGINT",
			"{{ifnotexists}}", "",
		)
	default:
		return strings.NewReplacer(
			"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{key}}", "TEXT",
			"{{text}}", "TEXT",
			"{{ts}}", "DATETIME",
			"{{bool}}", "INTEGER",
			"{{true}}", "1",
			"{{false}}", "0",
			"{{bigint}}", "INTEGER",
			"{{ifnotexists}}", "IF NOT EXISTS",
		)
	}
}

func (s *Store) migrate() error {
	r := dialectReplacer(s.driver)
	for _, tmpl := range schema {
		m := r.Replace(tmpl)
		if _, err := s.db.Exec(m); err != nil {
			// Re-running index creation on MySQL reports a duplicate key
			// name; treat it as a no-op so migrations stay idempotent.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
