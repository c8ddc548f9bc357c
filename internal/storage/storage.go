// Package storage persists the bot's user, group, prefix and settings
// tables. SQLite is the default backend; DynamoDB serves deployments
// without a local disk.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"laughingfox/internal/config"
	"laughingfox/internal/domain"
)

// Open returns the record store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (domain.RecordStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.DBPath, logger)
	case "dynamodb":
		client, err := newDynamoClient(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewDynamoStore(client, cfg.DynamoTable)
	}
	return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
}
