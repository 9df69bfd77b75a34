package pool

import (
	"context"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"

	"github.com/mhorvath/bulkpg/internal/config"
)

// PostgresDialer builds the production DialFunc from database configuration.
//
// The dialer sets TCP keep-alives because the target environment places
// network proxies between the process and the database that silently drop
// idle connections.
func PostgresDialer(cfg config.DatabaseConfig) (DialFunc, error) {
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	connCfg.ConnectTimeout = cfg.ConnectTimeout
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	connCfg.RuntimeParams["application_name"] = "bulkpg-pool"

	d := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	connCfg.DialFunc = d.DialContext

	return func(ctx context.Context) (DBConn, error) {
		conn, err := pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return conn, nil
	}, nil
}
