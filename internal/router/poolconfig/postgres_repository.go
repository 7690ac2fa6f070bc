package poolconfig

import (
	"context"
	"database/sql"
	"fmt"
)

// postgresRepository implements Repository for PostgreSQL, using the same
// plain database/sql, table-name-by-fmt.Sprintf convention as the outbox
// repositories.
type postgresRepository struct {
	db    *sql.DB
	table string
}

// NewPostgresRepository creates a pool-config repository backed by Postgres.
// table defaults to "dispatch_pools" when empty.
func NewPostgresRepository(db *sql.DB, table string) Repository {
	if table == "" {
		table = "dispatch_pools"
	}
	return &postgresRepository{db: db, table: table}
}

func (r *postgresRepository) FindAllActive(ctx context.Context) ([]*Config, error) {
	query := fmt.Sprintf(`
		SELECT id, code, concurrency, queue_capacity, rate_limit_per_min, status, created_at, updated_at
		FROM %s
		WHERE status = 'ACTIVE'
		ORDER BY code
	`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find all active pool configs: %w", err)
	}
	defer rows.Close()

	var configs []*Config
	for rows.Next() {
		cfg := &Config{}
		var rateLimit sql.NullInt64
		if err := rows.Scan(&cfg.ID, &cfg.Code, &cfg.Concurrency, &cfg.QueueCapacity, &rateLimit, &cfg.Status, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pool config: %w", err)
		}
		if rateLimit.Valid {
			v := int(rateLimit.Int64)
			cfg.RateLimitPerMin = &v
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}
