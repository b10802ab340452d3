// Copyright (c) 2024 CollabSec, Inc.

package dbclient

import graphql "github.com/hasura/go-graphql-client"

// A ConfigEntry is one key/value row of a configuration table.
type ConfigEntry struct {
	Key   graphql.String `graphql:"key"`
	Value graphql.String `graphql:"value"`
}

// QueryDevConfigurations returns all values of the config database's `dev`
// table.
var QueryDevConfigurations struct {
	LabdeskConfigs []ConfigEntry `graphql:"dev"`
}

// QueryStagingConfigurations returns all values of the config database's
// `staging` table.
var QueryStagingConfigurations struct {
	LabdeskConfigs []ConfigEntry `graphql:"staging"`
}

// QueryProdConfigurations returns all values of the config database's `prod`
// table.
var QueryProdConfigurations struct {
	LabdeskConfigs []ConfigEntry `graphql:"prod"`
}
