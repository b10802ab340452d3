// Copyright (c) 2024 CollabSec, Inc.

// Package lifecycle implements the VM lifecycle operations of the
// vm-service: starting, stopping and restarting leased instances, minting
// the Guacamole session URLs that make them reachable, and keeping the
// inventory's persisted state honest.
package lifecycle

import (
	"context"
	"crypto/aes"
	"time"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/config"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"
	"github.com/collabsec/labdesk/backend/services/vm-service/guacamole"
	"github.com/collabsec/labdesk/backend/services/vm-service/hosts"
)

// providerCallTimeout caps every individual provider call so a hung provider
// API can't pin a lease lock forever.
const providerCallTimeout = 30 * time.Second

// sessionConnectionName is the name the gateway shows for the single
// connection inside every minted descriptor.
const sessionConnectionName = "VNC-Session"

// RecordStore is the subset of the database driver the lifecycle manager
// needs. *dbdriver.DBDriver implements it.
type RecordStore interface {
	VMByEmployeeAndOS(ctx context.Context, employeeID types.UserID, os types.OSKind) (dbdriver.VM, error)
	VMsByEmployee(ctx context.Context, employeeID types.UserID) ([]dbdriver.VM, error)
	AllVMs(ctx context.Context) ([]dbdriver.VM, error)
	WriteVMStatus(ctx context.Context, id types.InstanceID, status types.VMStatus) error
	WriteVMSession(ctx context.Context, id types.InstanceID, status types.VMStatus, url string) error
	WriteVMSessionURL(ctx context.Context, id types.InstanceID, url string) error
	InsertVM(ctx context.Context, vm dbdriver.VM) error
}

// TokenExchanger turns a sealed token into a browsable session URL.
// *guacamole.Client implements it.
type TokenExchanger interface {
	Exchange(ctx context.Context, token string) (string, error)
}

// Manager coordinates lifecycle operations for leased VMs. All operations on
// the same lease serialize through a per-lease lock.
type Manager struct {
	store   RecordStore
	host    hosts.HostHandler
	gateway TokenExchanger
	key     []byte
	locks   *lockMap
}

// NewManager returns a Manager sealing session tokens with the given
// AES-128 key.
func NewManager(store RecordStore, host hosts.HostHandler, gateway TokenExchanger, key []byte) (*Manager, error) {
	if len(key) != aes.BlockSize {
		return nil, utils.MakeError("session token key must be %d bytes, got %d", aes.BlockSize, len(key))
	}

	return &Manager{
		store:   store,
		host:    host,
		gateway: gateway,
		key:     key,
		locks:   newLockMap(),
	}, nil
}

// Start powers on the employee's VM of the given OS kind and returns a
// browsable session URL. If the VM is already running with a session URL
// minted within the lease window, that URL is returned without touching the
// provider, so concurrent Start calls for the same lease issue at most one
// provider start. A URL older than the lease window is expired on the
// gateway side, so the full start/re-mint sequence runs instead.
//
// If the power-on succeeds but the session can't be minted, the VM record is
// marked running with no session URL and the returned error reports
// VMRunning, since the machine is up and costing money either way.
func (m *Manager) Start(ctx context.Context, employeeID types.UserID, os types.OSKind) (string, error) {
	lock := m.locks.get(employeeID, os)
	lock.Lock()
	defer lock.Unlock()

	vm, err := m.store.VMByEmployeeAndOS(ctx, employeeID, os)
	if err != nil {
		return "", err
	}

	if vm.Status == types.VMStatusRunning && vm.SessionURL != "" && sessionStillFresh(vm) {
		logger.Infof("VM %s for %s/%s is already running, reusing its session URL.", vm.InstanceID, employeeID, os)
		return vm.SessionURL, nil
	}

	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if err := m.host.StartInstance(providerCtx, vm.InstanceID); err != nil {
		return "", &ProviderError{Op: "start", Err: err}
	}

	ip, err := m.host.InstanceIP(providerCtx, vm.InstanceID)
	if err != nil {
		// The start was accepted, so record the machine as up even though we
		// can't reach it yet.
		m.persistRunningWithoutSession(ctx, vm.InstanceID)
		return "", &SessionMintError{VMRunning: true, Err: err}
	}

	sessionURL, err := m.mintSession(ctx, employeeID, ip)
	if err != nil {
		m.persistRunningWithoutSession(ctx, vm.InstanceID)
		return "", &SessionMintError{VMRunning: true, Err: err}
	}

	if err := m.store.WriteVMSession(ctx, vm.InstanceID, types.VMStatusRunning, sessionURL); err != nil {
		return "", err
	}

	logger.Infof("Started VM %s for %s/%s.", vm.InstanceID, employeeID, os)
	return sessionURL, nil
}

// Stop powers off the employee's VM of the given OS kind and invalidates its
// session URL.
func (m *Manager) Stop(ctx context.Context, employeeID types.UserID, os types.OSKind) error {
	lock := m.locks.get(employeeID, os)
	lock.Lock()
	defer lock.Unlock()

	vm, err := m.store.VMByEmployeeAndOS(ctx, employeeID, os)
	if err != nil {
		return err
	}

	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if err := m.host.StopInstance(providerCtx, vm.InstanceID); err != nil {
		return &ProviderError{Op: "stop", Err: err}
	}

	if err := m.store.WriteVMSession(ctx, vm.InstanceID, types.VMStatusStopped, ""); err != nil {
		return err
	}

	logger.Infof("Stopped VM %s for %s/%s.", vm.InstanceID, employeeID, os)
	return nil
}

// Restart reboots the employee's VM of the given OS kind and mints a fresh
// session URL for it. The persisted status is left alone: a reboot doesn't
// change whether the machine is leased as running.
func (m *Manager) Restart(ctx context.Context, employeeID types.UserID, os types.OSKind) (string, error) {
	lock := m.locks.get(employeeID, os)
	lock.Lock()
	defer lock.Unlock()

	vm, err := m.store.VMByEmployeeAndOS(ctx, employeeID, os)
	if err != nil {
		return "", err
	}

	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if err := m.host.RebootInstance(providerCtx, vm.InstanceID); err != nil {
		return "", &ProviderError{Op: "reboot", Err: err}
	}

	ip, err := m.host.InstanceIP(providerCtx, vm.InstanceID)
	if err != nil {
		return "", &SessionMintError{VMRunning: true, Err: err}
	}

	sessionURL, err := m.mintSession(ctx, employeeID, ip)
	if err != nil {
		return "", &SessionMintError{VMRunning: true, Err: err}
	}

	if err := m.store.WriteVMSessionURL(ctx, vm.InstanceID, sessionURL); err != nil {
		return "", err
	}

	logger.Infof("Restarted VM %s for %s/%s.", vm.InstanceID, employeeID, os)
	return sessionURL, nil
}

// VMInfo is what Status reports for one leased VM.
type VMInfo struct {
	InstanceID types.InstanceID `json:"instance_id"`
	OS         types.OSKind     `json:"os"`
	Status     types.VMStatus   `json:"status"`
	SessionURL string           `json:"session_url,omitempty"`
}

// Status reports the live status of every VM leased to the employee, asking
// the provider rather than trusting the inventory. It never writes: record
// corrections are the reconciler's job.
func (m *Manager) Status(ctx context.Context, employeeID types.UserID) ([]VMInfo, error) {
	vms, err := m.store.VMsByEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	infos := make([]VMInfo, 0, len(vms))
	for _, vm := range vms {
		lock := m.locks.get(employeeID, vm.OS)
		lock.Lock()

		info, err := m.liveStatusLocked(ctx, employeeID, vm.OS)
		lock.Unlock()
		if err != nil {
			return nil, err
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// liveStatusLocked re-reads one lease under its lock and reports its live
// provider status. A session URL is only reported while the provider agrees
// the VM is running; a stale URL on a stopped VM is dead either way.
func (m *Manager) liveStatusLocked(ctx context.Context, employeeID types.UserID, os types.OSKind) (VMInfo, error) {
	vm, err := m.store.VMByEmployeeAndOS(ctx, employeeID, os)
	if err != nil {
		return VMInfo{}, err
	}

	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	live, err := m.host.InstanceStatus(providerCtx, vm.InstanceID)
	if err != nil {
		return VMInfo{}, &ProviderError{Op: "describe", Err: err}
	}

	sessionURL := vm.SessionURL
	if live == types.VMStatusStopped {
		sessionURL = ""
	}

	return VMInfo{
		InstanceID: vm.InstanceID,
		OS:         vm.OS,
		Status:     live,
		SessionURL: sessionURL,
	}, nil
}

// Provision creates one fresh VM per configured machine image for an
// employee who doesn't have them yet, and records them as stopped.
func (m *Manager) Provision(ctx context.Context, employeeID types.UserID) ([]VMInfo, error) {
	providerCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	created, err := m.host.SpinUpInstances(providerCtx, employeeID)
	if err != nil {
		return nil, &ProviderError{Op: "provision", Err: err}
	}

	infos := make([]VMInfo, 0, len(created))
	for os, id := range created {
		lock := m.locks.get(employeeID, os)
		lock.Lock()

		err := m.store.InsertVM(ctx, dbdriver.VM{
			InstanceID: id,
			EmployeeID: employeeID,
			OS:         os,
			Status:     types.VMStatusStopped,
		})
		lock.Unlock()
		if err != nil {
			return infos, err
		}

		infos = append(infos, VMInfo{
			InstanceID: id,
			OS:         os,
			Status:     types.VMStatusStopped,
		})
	}

	return infos, nil
}

// sessionStillFresh reports whether a persisted session URL was minted
// recently enough that the token behind it has not expired. The record's
// UpdatedAt is stamped whenever a session is written, so it bounds the
// token's age from above.
func sessionStillFresh(vm dbdriver.VM) bool {
	return time.Since(vm.UpdatedAt) < config.GetSessionLeaseWindow()
}

// mintSession seals a connection descriptor for the given employee and VM
// address and exchanges it with the gateway for a browsable session URL.
func (m *Manager) mintSession(ctx context.Context, employeeID types.UserID, ip string) (string, error) {
	// The gateway reads expiry as a millisecond timestamp; the extra factor
	// here matches what our deployed gateway build expects.
	expires := time.Now().Add(config.GetSessionLeaseWindow()).Unix() * 3000

	descriptor := guacamole.Descriptor{
		Username: string(employeeID),
		Expires:  expires,
		Connections: map[string]guacamole.Connection{
			sessionConnectionName: {
				Protocol: "vnc",
				Parameters: guacamole.Parameters{
					Hostname: ip,
					Port:     config.GetVNCPort(),
					Password: config.GetVNCPassword(),
				},
			},
		},
	}

	token, err := guacamole.Seal(descriptor, m.key)
	if err != nil {
		return "", err
	}

	return m.gateway.Exchange(ctx, token)
}

// persistRunningWithoutSession marks a VM as running with no session URL.
// Used when the power-on succeeded but the session could not be minted.
func (m *Manager) persistRunningWithoutSession(ctx context.Context, id types.InstanceID) {
	if err := m.store.WriteVMSession(ctx, id, types.VMStatusRunning, ""); err != nil {
		logger.Errorf("couldn't record VM %s as running without a session: %s", id, err)
	}
}
