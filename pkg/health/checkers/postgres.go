package checkers

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresChecker pings the pool and verifies the conversation schema is in place.
type PostgresChecker struct {
	pool *pgxpool.Pool
}

func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

func (c *PostgresChecker) Name() string { return "postgres" }

func (c *PostgresChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var ok bool
	if err := c.pool.QueryRow(ctx, `SELECT to_regclass('public.turns') IS NOT NULL`).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("schema not migrated")
	}
	return nil
}
