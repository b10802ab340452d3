// Copyright (c) 2024 CollabSec, Inc.

package config

import (
	"context"
	"crypto/aes"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbclient"
)

// Initialize populates the configuration singleton with values from the
// configuration database and the process environment. A failure to reach the
// config database degrades to defaults with a warning; a malformed Guacamole
// secret key is fatal, since every minted token would be garbage.
func Initialize(ctx context.Context, client dbclient.LabDeskGraphQLClient) error {
	db := map[string]string{}

	if !metadata.IsLocalEnvWithoutDB() {
		fetched, err := getConfigFromDB(ctx, client)
		if err != nil {
			logger.Warningf("Couldn't fetch configuration values from database, using defaults: %s", err)
		} else {
			db = fetched
		}
	}

	key, err := getGuacamoleSecretKey(db)
	if err != nil {
		return err
	}

	rw.Lock()
	defer rw.Unlock()

	config.guacamoleKey = key
	getString(db, "DEFAULT_REGION", &config.region)
	getString(db, "GUACAMOLE_URL", &config.gatewayURL)
	getString(db, "VNC_PORT", &config.vncPort)
	getString(db, "VNC_PASSWORD", &config.vncPassword)
	getString(db, "INSTANCE_TYPE", &config.instanceType)
	getString(db, "PRIVATE_SUBNET_ID", &config.subnetID)
	getString(db, "SECURITY_GROUP_ID", &config.securityGroupID)
	getLeaseWindow(db, &config.sessionLeaseWindow)
	getImageIDs(db, config.imageIDs)

	logger.Infof("Configured region %s, gateway %s, %d machine images.",
		config.region, config.gatewayURL, len(config.imageIDs))

	return nil
}

// getConfigFromDB fetches service-global configuration values from the
// configuration database.
func getConfigFromDB(ctx context.Context, client dbclient.LabDeskGraphQLClient) (map[string]string, error) {
	env := metadata.GetAppEnvironment()

	switch env {
	case metadata.EnvProd:
		return dbclient.GetProdConfigs(ctx, client)
	case metadata.EnvStaging:
		return dbclient.GetStagingConfigs(ctx, client)
	case metadata.EnvDev, metadata.EnvLocalDevWithDB:
		return dbclient.GetDevConfigs(ctx, client)
	default:
		return nil, utils.MakeError("unexpected app environment %q", env)
	}
}

// getGuacamoleSecretKey reads and validates the shared Guacamole key. The
// environment wins over the config database so the secret never has to live
// in the database at all. The value is hex and must decode to exactly one
// AES-128 key.
func getGuacamoleSecretKey(db map[string]string) ([]byte, error) {
	hexKey := os.Getenv("GUACAMOLE_SECRET_HEX")
	if hexKey == "" {
		hexKey = db["GUACAMOLE_SECRET_HEX"]
	}
	if hexKey == "" {
		return nil, utils.MakeError("no Guacamole secret key configured: set GUACAMOLE_SECRET_HEX")
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, utils.MakeError("GUACAMOLE_SECRET_HEX is not valid hex: %s", err)
	}
	if len(key) != aes.BlockSize {
		return nil, utils.MakeError("GUACAMOLE_SECRET_HEX must decode to %d bytes, got %d", aes.BlockSize, len(key))
	}

	return key, nil
}

// getString extracts a single string value from the data returned by the
// configuration database and stores it in the pointer provided, keeping the
// existing default when the key is absent. This function assumes the caller
// holds the configuration lock.
func getString(db map[string]string, key string, out *string) {
	data, ok := db[key]
	if !ok {
		logger.Warningf("Configuration key %s not found. Falling back to %q", key, *out)
		return
	}

	*out = data
}

// getLeaseWindow extracts the session lease window, in seconds, from the
// data returned by the configuration database. This function assumes the
// caller holds the configuration lock.
func getLeaseWindow(db map[string]string, window *time.Duration) {
	data, ok := db["SESSION_LEASE_SECONDS"]
	if !ok {
		logger.Warningf("Configuration key SESSION_LEASE_SECONDS not found. Falling back to %s", *window)
		return
	}

	seconds, err := strconv.Atoi(data)
	if err != nil || seconds <= 0 {
		logger.Warningf("Configuration key SESSION_LEASE_SECONDS has invalid value %q. Falling back to %s", data, *window)
		return
	}

	*window = time.Duration(seconds) * time.Second
}

// getImageIDs extracts the per-OS machine image mapping from the data
// returned by the configuration database. This function assumes the caller
// holds the configuration lock.
func getImageIDs(db map[string]string, images map[types.OSKind]string) {
	keys := map[types.OSKind]string{
		types.OSLinux:   "LINUX_IMAGE_ID",
		types.OSWindows: "WINDOWS_IMAGE_ID",
	}

	for os, key := range keys {
		data, ok := db[key]
		if !ok {
			logger.Warningf("Configuration key %s not found. New %s leases cannot be provisioned.", key, os)
			continue
		}
		images[os] = data
	}
}
