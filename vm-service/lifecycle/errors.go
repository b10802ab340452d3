// Copyright (c) 2024 CollabSec, Inc.

package lifecycle

import (
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"
)

// ErrNotFound is returned when an operation targets a lease that doesn't
// exist in the inventory.
var ErrNotFound = dbdriver.ErrVMNotFound

// ProviderError wraps a failed provider power action or describe. Op names
// the action that failed.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return utils.Sprintf("provider %s failed: %s", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// BatchDescribeError means the reconciler's batch describe failed or came
// back incomplete. No records were touched.
type BatchDescribeError struct {
	Err error
}

func (e *BatchDescribeError) Error() string {
	return utils.Sprintf("batch describe failed, no records updated: %s", e.Err)
}

func (e *BatchDescribeError) Unwrap() error {
	return e.Err
}

// SessionMintError means the VM's power action succeeded but no session URL
// could be produced. VMRunning tells the caller whether the machine is up
// and billing despite the missing URL.
type SessionMintError struct {
	VMRunning bool
	Err       error
}

func (e *SessionMintError) Error() string {
	if e.VMRunning {
		return utils.Sprintf("VM is running but no session could be minted: %s", e.Err)
	}
	return utils.Sprintf("no session could be minted: %s", e.Err)
}

func (e *SessionMintError) Unwrap() error {
	return e.Err
}
