// Copyright (c) 2024 CollabSec, Inc.

package dbclient

import (
	"context"

	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/utils"
)

// These functions are standalone (they do not belong to a client
// implementation) because they are only used for populating configuration
// values before the broker starts serving requests.

// GetDevConfigs will query the config database's `dev` table and parse the
// result as a map[string]string.
func GetDevConfigs(ctx context.Context, client LabDeskGraphQLClient) (map[string]string, error) {
	query := QueryDevConfigurations
	err := client.Query(ctx, &query, map[string]interface{}{})
	if err != nil {
		return nil, utils.MakeError("failed to query config database for configuration values of env %s: %s", metadata.GetAppEnvironmentLowercase(), err)
	}

	if len(query.LabdeskConfigs) == 0 {
		return nil, utils.MakeError("could not find dev configs on database")
	}

	// Convert to a map for easier manipulation
	configMap := make(map[string]string)
	for _, entry := range query.LabdeskConfigs {
		configMap[string(entry.Key)] = string(entry.Value)
	}

	return configMap, nil
}

// GetStagingConfigs will query the config database's `staging` table and
// parse the result as a map[string]string.
func GetStagingConfigs(ctx context.Context, client LabDeskGraphQLClient) (map[string]string, error) {
	query := QueryStagingConfigurations
	err := client.Query(ctx, &query, map[string]interface{}{})
	if err != nil {
		return nil, utils.MakeError("failed to query config database for configuration values of env %s: %s", metadata.GetAppEnvironmentLowercase(), err)
	}

	if len(query.LabdeskConfigs) == 0 {
		return nil, utils.MakeError("could not find staging configs on database")
	}

	// Convert to a map for easier manipulation
	configMap := make(map[string]string)
	for _, entry := range query.LabdeskConfigs {
		configMap[string(entry.Key)] = string(entry.Value)
	}

	return configMap, nil
}

// GetProdConfigs will query the config database's `prod` table and parse the
// result as a map[string]string.
func GetProdConfigs(ctx context.Context, client LabDeskGraphQLClient) (map[string]string, error) {
	query := QueryProdConfigurations
	err := client.Query(ctx, &query, map[string]interface{}{})
	if err != nil {
		return nil, utils.MakeError("failed to query config database for configuration values of env %s: %s", metadata.GetAppEnvironmentLowercase(), err)
	}

	if len(query.LabdeskConfigs) == 0 {
		return nil, utils.MakeError("could not find prod configs on database")
	}

	// Convert to a map for easier manipulation
	configMap := make(map[string]string)
	for _, entry := range query.LabdeskConfigs {
		configMap[string(entry.Key)] = string(entry.Value)
	}

	return configMap, nil
}
