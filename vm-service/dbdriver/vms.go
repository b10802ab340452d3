// Copyright (c) 2024 CollabSec, Inc.

package dbdriver // import "github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
)

// This file is concerned with database interactions at the VM level. We don't
// use explicit transactions here: the vm-service serializes writes to any
// given VM row through its per-lease locks, so single-statement updates are
// sufficient.

// ErrVMNotFound is returned when a lookup matches no row in the VM inventory.
var ErrVMNotFound = errors.New("no such VM in the inventory")

// VM is one row of the VM inventory table `cloud.vm_info`.
type VM struct {
	// InstanceID is the provider-assigned instance identifier.
	InstanceID types.InstanceID

	// EmployeeID identifies the employee the VM is leased to.
	EmployeeID types.UserID

	// OS is the operating system the VM boots.
	OS types.OSKind

	// Status is the last status the service persisted for the VM.
	Status types.VMStatus

	// SessionURL is the browsable session URL minted at start time. Empty
	// when the VM has no live session.
	SessionURL string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VMByEmployeeAndOS returns the VM leased to the given employee for the given
// OS kind, or ErrVMNotFound.
func (db *DBDriver) VMByEmployeeAndOS(ctx context.Context, employeeID types.UserID, os types.OSKind) (VM, error) {
	if db.pool == nil {
		return VM{}, utils.MakeError("VMByEmployeeAndOS() called but dbdriver is not initialized!")
	}

	row := db.pool.QueryRow(ctx, `
		SELECT instance_id, employee_id, instance_os, status, session_url, created_at, updated_at
		FROM cloud.vm_info
		WHERE employee_id = $1 AND instance_os = $2`,
		string(employeeID), string(os))

	vm, err := scanVM(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return VM{}, ErrVMNotFound
	} else if err != nil {
		return VM{}, utils.MakeError("couldn't query VM for employee %s, OS %s: %s", employeeID, os, err)
	}

	return vm, nil
}

// VMsByEmployee returns every VM leased to the given employee.
func (db *DBDriver) VMsByEmployee(ctx context.Context, employeeID types.UserID) ([]VM, error) {
	if db.pool == nil {
		return nil, utils.MakeError("VMsByEmployee() called but dbdriver is not initialized!")
	}

	rows, err := db.pool.Query(ctx, `
		SELECT instance_id, employee_id, instance_os, status, session_url, created_at, updated_at
		FROM cloud.vm_info
		WHERE employee_id = $1
		ORDER BY instance_os`,
		string(employeeID))
	if err != nil {
		return nil, utils.MakeError("couldn't query VMs for employee %s: %s", employeeID, err)
	}
	defer rows.Close()

	return collectVMs(rows)
}

// AllVMs returns every VM in the inventory.
func (db *DBDriver) AllVMs(ctx context.Context) ([]VM, error) {
	if db.pool == nil {
		return nil, utils.MakeError("AllVMs() called but dbdriver is not initialized!")
	}

	rows, err := db.pool.Query(ctx, `
		SELECT instance_id, employee_id, instance_os, status, session_url, created_at, updated_at
		FROM cloud.vm_info
		ORDER BY employee_id, instance_os`)
	if err != nil {
		return nil, utils.MakeError("couldn't query VM inventory: %s", err)
	}
	defer rows.Close()

	return collectVMs(rows)
}

// WriteVMStatus updates a VM's persisted status.
func (db *DBDriver) WriteVMStatus(ctx context.Context, id types.InstanceID, status types.VMStatus) error {
	if db.pool == nil {
		return utils.MakeError("WriteVMStatus() called but dbdriver is not initialized!")
	}

	result, err := db.pool.Exec(ctx, `
		UPDATE cloud.vm_info
		SET status = $1, updated_at = now()
		WHERE instance_id = $2`,
		string(status), string(id))
	if err != nil {
		return utils.MakeError("couldn't write status %s for VM %s: error updating existing row in table `cloud.vm_info`: %s", status, id, err)
	} else if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write status %s for VM %s: row in database missing!", status, id)
	}
	logger.Infof("Updated status in database for VM %s to %s.", id, status)

	return nil
}

// WriteVMSession updates a VM's status and session URL in one statement. An
// empty url stores NULL.
func (db *DBDriver) WriteVMSession(ctx context.Context, id types.InstanceID, status types.VMStatus, url string) error {
	if db.pool == nil {
		return utils.MakeError("WriteVMSession() called but dbdriver is not initialized!")
	}

	result, err := db.pool.Exec(ctx, `
		UPDATE cloud.vm_info
		SET status = $1, session_url = $2, updated_at = now()
		WHERE instance_id = $3`,
		string(status), nullableVarchar(url), string(id))
	if err != nil {
		return utils.MakeError("couldn't write session for VM %s: error updating existing row in table `cloud.vm_info`: %s", id, err)
	} else if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write session for VM %s: row in database missing!", id)
	}
	logger.Infof("Updated session in database for VM %s (status %s).", id, status)

	return nil
}

// WriteVMSessionURL updates only a VM's session URL.
func (db *DBDriver) WriteVMSessionURL(ctx context.Context, id types.InstanceID, url string) error {
	if db.pool == nil {
		return utils.MakeError("WriteVMSessionURL() called but dbdriver is not initialized!")
	}

	result, err := db.pool.Exec(ctx, `
		UPDATE cloud.vm_info
		SET session_url = $1, updated_at = now()
		WHERE instance_id = $2`,
		nullableVarchar(url), string(id))
	if err != nil {
		return utils.MakeError("couldn't write session URL for VM %s: error updating existing row in table `cloud.vm_info`: %s", id, err)
	} else if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write session URL for VM %s: row in database missing!", id)
	}

	return nil
}

// InsertVM adds a freshly provisioned VM to the inventory.
func (db *DBDriver) InsertVM(ctx context.Context, vm VM) error {
	if db.pool == nil {
		return utils.MakeError("InsertVM() called but dbdriver is not initialized!")
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO cloud.vm_info (instance_id, employee_id, instance_os, status, session_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		string(vm.InstanceID), string(vm.EmployeeID), string(vm.OS), string(vm.Status), nullableVarchar(vm.SessionURL))
	if err != nil {
		return utils.MakeError("couldn't insert VM %s into table `cloud.vm_info`: %s", vm.InstanceID, err)
	}
	logger.Infof("Inserted VM %s (employee %s, OS %s) into the inventory.", vm.InstanceID, vm.EmployeeID, vm.OS)

	return nil
}

func nullableVarchar(s string) pgtype.Varchar {
	if s == "" {
		return pgtype.Varchar{Status: pgtype.Null}
	}
	return pgtype.Varchar{String: s, Status: pgtype.Present}
}

func scanVM(row pgx.Row) (VM, error) {
	var (
		vm         VM
		instanceID string
		employeeID string
		os         string
		status     string
		sessionURL pgtype.Varchar
	)

	err := row.Scan(&instanceID, &employeeID, &os, &status, &sessionURL, &vm.CreatedAt, &vm.UpdatedAt)
	if err != nil {
		return VM{}, err
	}

	vm.InstanceID = types.InstanceID(instanceID)
	vm.EmployeeID = types.UserID(employeeID)
	vm.OS = types.OSKind(os)
	vm.Status = types.VMStatus(status)
	if sessionURL.Status == pgtype.Present {
		vm.SessionURL = sessionURL.String
	}

	return vm, nil
}

func collectVMs(rows pgx.Rows) ([]VM, error) {
	var vms []VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, utils.MakeError("couldn't scan VM row: %s", err)
		}
		vms = append(vms, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.MakeError("error iterating VM rows: %s", err)
	}

	return vms, nil
}
