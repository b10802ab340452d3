// Copyright (c) 2024 CollabSec, Inc.

package lifecycle

import (
	"context"
	"errors"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"
)

// ReconcileSummary reports what one reconciliation pass did.
type ReconcileSummary struct {
	Scanned   int
	Updated   int
	Unchanged int
	Missing   int
}

// ReconcileAll sweeps the whole inventory, fetches the live status of every
// VM in one batch describe, and corrects any record whose persisted status
// disagrees with reality. If the batch describe fails or comes back
// incomplete, nothing is written: a half-trusted answer is worse than a
// stale one.
func (m *Manager) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	vms, err := m.store.AllVMs(ctx)
	if err != nil {
		return summary, err
	}
	if len(vms) == 0 {
		return summary, nil
	}

	ids := make([]types.InstanceID, 0, len(vms))
	for _, vm := range vms {
		ids = append(ids, vm.InstanceID)
	}

	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	statuses, err := m.host.InstanceStatuses(providerCtx, ids)
	if err != nil {
		return summary, &BatchDescribeError{Err: err}
	}

	for _, vm := range vms {
		live, ok := statuses[vm.InstanceID]
		if !ok {
			// InstanceStatuses promises a complete answer, so this only
			// happens if the inventory changed under us.
			summary.Missing++
			continue
		}

		updated, err := m.reconcileLease(ctx, vm.EmployeeID, vm.OS, live)
		if errors.Is(err, ErrNotFound) {
			summary.Missing++
			continue
		} else if err != nil {
			logger.Error(err)
			continue
		}

		summary.Scanned++
		if updated {
			summary.Updated++
		} else {
			summary.Unchanged++
		}
	}

	if summary.Updated > 0 || summary.Missing > 0 {
		logger.Infof("Reconciled %d VMs: %d updated, %d unchanged, %d missing.",
			summary.Scanned, summary.Updated, summary.Unchanged, summary.Missing)
	}

	return summary, nil
}

// reconcileLease takes the lease lock, re-reads the record, and writes the
// live status only if the fresh record still disagrees with it. Re-reading
// under the lock keeps the sweep from clobbering a Start or Stop that
// completed after the batch describe was taken.
func (m *Manager) reconcileLease(ctx context.Context, employeeID types.UserID, os types.OSKind, live types.VMStatus) (bool, error) {
	lock := m.locks.get(employeeID, os)
	lock.Lock()
	defer lock.Unlock()

	vm, err := m.store.VMByEmployeeAndOS(ctx, employeeID, os)
	if err != nil {
		return false, err
	}

	if vm.Status == live {
		return false, nil
	}

	return true, m.reconcileRecord(ctx, vm, live)
}

// reconcileRecord writes the live status through to a record that disagrees
// with it. A VM that turned out to be stopped also loses its session URL,
// since the gateway can no longer reach it.
func (m *Manager) reconcileRecord(ctx context.Context, vm dbdriver.VM, live types.VMStatus) error {
	if live == types.VMStatusStopped && vm.SessionURL != "" {
		return m.store.WriteVMSession(ctx, vm.InstanceID, live, "")
	}
	return m.store.WriteVMStatus(ctx, vm.InstanceID, live)
}
