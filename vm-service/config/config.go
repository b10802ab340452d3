// Copyright (c) 2024 CollabSec, Inc.

// Package config provides functions for fetching configuration values from
// the configuration database when the vm-service starts and for reading those
// values while the service is running. Deployment-specific values (region,
// gateway URL, machine images) live in the configuration database; secrets
// (the Guacamole shared key) come from the process environment and are never
// logged. config.Initialize() should be called as close as possible to the
// top of the main function.
package config

import (
	"sync"
	"time"

	"github.com/collabsec/labdesk/backend/services/types"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// region is the cloud provider region all leased instances live in.
	region string

	// gatewayURL is the base URL of the Guacamole gateway, without a
	// trailing slash.
	gatewayURL string

	// guacamoleKey is the shared symmetric key used to seal connection
	// descriptors for the gateway. 16 bytes (AES-128).
	guacamoleKey []byte

	// vncPort and vncPassword parameterize the VNC connection embedded in
	// every minted session descriptor.
	vncPort     string
	vncPassword string

	// sessionLeaseWindow is how long a minted session token stays valid.
	sessionLeaseWindow time.Duration

	// instanceType, subnetID and securityGroupID parameterize instance
	// creation at lease time.
	instanceType    string
	subnetID        string
	securityGroupID string

	// imageIDs maps each OS kind to the machine image new leases boot from.
	imageIDs map[types.OSKind]string
}

// config is a singleton that stores service-global configuration values. The
// defaults here keep a localdev service working without a config database.
var config = serviceConfig{
	region:             "me-south-1",
	gatewayURL:         "http://localhost:8080",
	vncPort:            "5901",
	vncPassword:        "CollabSecVM",
	sessionLeaseWindow: 5400 * time.Second,
	instanceType:       "t3.large",
	imageIDs:           map[types.OSKind]string{},
}

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// GetRegion returns the provider region leased instances live in.
func GetRegion() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.region
}

// GetGatewayURL returns the base URL of the Guacamole gateway.
func GetGatewayURL() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.gatewayURL
}

// GetGuacamoleKey returns the shared key used to seal session tokens. Nil
// until Initialize has run successfully.
func GetGuacamoleKey() []byte {
	rw.RLock()
	defer rw.RUnlock()

	return config.guacamoleKey
}

// GetVNCPort returns the VNC port embedded in minted session descriptors.
func GetVNCPort() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.vncPort
}

// GetVNCPassword returns the VNC secret embedded in minted session
// descriptors.
func GetVNCPassword() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.vncPassword
}

// GetSessionLeaseWindow returns how long a minted session token stays valid.
func GetSessionLeaseWindow() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.sessionLeaseWindow
}

// GetInstanceType returns the provider instance type new leases boot as.
func GetInstanceType() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.instanceType
}

// GetSubnetID returns the private subnet new leases are attached to.
func GetSubnetID() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.subnetID
}

// GetSecurityGroupID returns the security group new leases are attached to.
func GetSecurityGroupID() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.securityGroupID
}

// GetImageIDs returns a copy of the OS kind to machine image mapping used at
// lease-creation time.
func GetImageIDs() map[types.OSKind]string {
	rw.RLock()
	defer rw.RUnlock()

	images := make(map[types.OSKind]string, len(config.imageIDs))
	for os, image := range config.imageIDs {
		images[os] = image
	}
	return images
}
