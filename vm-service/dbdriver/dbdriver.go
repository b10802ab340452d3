// Copyright (c) 2024 CollabSec, Inc.

// Package dbdriver owns the vm-service's connection to the Postgres database
// and the queries against the VM inventory table.
package dbdriver // import "github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/utils"
)

const localDevDatabaseURL = "user=postgres host=localhost port=5432 dbname=postgres password=labdeskpass"

// DBDriver wraps the connection pool for the VM inventory database.
type DBDriver struct {
	pool *pgxpool.Pool
}

// Initialize opens the connection pool. In local environments it targets the
// localdev database; everywhere else the connection string comes from the
// DATABASE_URL environment variable.
func (db *DBDriver) Initialize(ctx context.Context) error {
	connStr, err := getConnString()
	if err != nil {
		return err
	}

	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return utils.MakeError("unable to parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, pgxConfig)
	if err != nil {
		return utils.MakeError("unable to connect to the database: %s", err)
	}

	db.pool = pool
	logger.Infof("Connected to the VM inventory database.")

	return nil
}

// Close closes the connection pool.
func (db *DBDriver) Close() {
	if db.pool != nil {
		logger.Infof("Closing the database connection pool...")
		db.pool.Close()
	}
}

func getConnString() (string, error) {
	if metadata.IsLocalEnv() {
		return localDevDatabaseURL, nil
	}

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		return "", utils.MakeError("couldn't get DB connection string: DATABASE_URL is not set")
	}

	return connStr, nil
}
