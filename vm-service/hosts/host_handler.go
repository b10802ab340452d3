// Copyright (c) 2024 CollabSec, Inc.

// Package hosts defines the interface the vm-service uses to talk to a cloud
// provider, and its provider-specific implementations.
package hosts

import (
	"context"

	"github.com/collabsec/labdesk/backend/services/types"
)

// HostHandler abstracts the cloud provider operations the vm-service needs.
// All status values returned by a handler are already collapsed into the
// service's two-state model: an instance that is not verifiably running
// reports as stopped.
type HostHandler interface {
	// Initialize prepares the provider clients for the given region.
	Initialize(region string) error

	// StartInstance, StopInstance and RebootInstance issue the corresponding
	// power action. They return once the provider has accepted the action,
	// not once it has completed.
	StartInstance(ctx context.Context, id types.InstanceID) error
	StopInstance(ctx context.Context, id types.InstanceID) error
	RebootInstance(ctx context.Context, id types.InstanceID) error

	// InstanceIP returns the private IP address of the given instance.
	InstanceIP(ctx context.Context, id types.InstanceID) (string, error)

	// InstanceStatus returns the live status of a single instance.
	InstanceStatus(ctx context.Context, id types.InstanceID) (types.VMStatus, error)

	// InstanceStatuses returns the live status of every listed instance in a
	// single provider call. It either returns a status for every requested
	// instance or an error; a partial answer is an error.
	InstanceStatuses(ctx context.Context, ids []types.InstanceID) (map[types.InstanceID]types.VMStatus, error)

	// SpinUpInstances provisions one fresh instance per configured OS kind
	// for the given employee and returns their IDs.
	SpinUpInstances(ctx context.Context, employeeID types.UserID) (map[types.OSKind]types.InstanceID, error)
}
