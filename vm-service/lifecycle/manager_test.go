package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"
	"github.com/collabsec/labdesk/backend/services/vm-service/guacamole"
)

var testKey = []byte("0123456789abcdef")

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu  sync.Mutex
	vms map[types.InstanceID]dbdriver.VM
}

func newFakeStore(vms ...dbdriver.VM) *fakeStore {
	s := &fakeStore{vms: map[types.InstanceID]dbdriver.VM{}}
	for _, vm := range vms {
		if vm.UpdatedAt.IsZero() {
			vm.UpdatedAt = time.Now()
		}
		s.vms[vm.InstanceID] = vm
	}
	return s
}

func (s *fakeStore) VMByEmployeeAndOS(_ context.Context, employeeID types.UserID, os types.OSKind) (dbdriver.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vm := range s.vms {
		if vm.EmployeeID == employeeID && vm.OS == os {
			return vm, nil
		}
	}
	return dbdriver.VM{}, dbdriver.ErrVMNotFound
}

func (s *fakeStore) VMsByEmployee(_ context.Context, employeeID types.UserID) ([]dbdriver.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dbdriver.VM
	for _, vm := range s.vms {
		if vm.EmployeeID == employeeID {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (s *fakeStore) AllVMs(context.Context) ([]dbdriver.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dbdriver.VM
	for _, vm := range s.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (s *fakeStore) WriteVMStatus(_ context.Context, id types.InstanceID, status types.VMStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return dbdriver.ErrVMNotFound
	}
	vm.Status = status
	vm.UpdatedAt = time.Now()
	s.vms[id] = vm
	return nil
}

func (s *fakeStore) WriteVMSession(_ context.Context, id types.InstanceID, status types.VMStatus, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return dbdriver.ErrVMNotFound
	}
	vm.Status = status
	vm.SessionURL = url
	vm.UpdatedAt = time.Now()
	s.vms[id] = vm
	return nil
}

func (s *fakeStore) WriteVMSessionURL(_ context.Context, id types.InstanceID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return dbdriver.ErrVMNotFound
	}
	vm.SessionURL = url
	vm.UpdatedAt = time.Now()
	s.vms[id] = vm
	return nil
}

func (s *fakeStore) InsertVM(_ context.Context, vm dbdriver.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[vm.InstanceID] = vm
	return nil
}

func (s *fakeStore) get(id types.InstanceID) dbdriver.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vms[id]
}

// fakeHost implements hosts.HostHandler against canned data.
type fakeHost struct {
	startCalls  int64
	stopCalls   int64
	rebootCalls int64
	batchCalls  int64

	ip         string
	statuses   map[types.InstanceID]types.VMStatus
	startErr   error
	ipErr      error
	batchErr   error
	provisions map[types.OSKind]types.InstanceID
}

func (h *fakeHost) Initialize(string) error { return nil }

func (h *fakeHost) StartInstance(context.Context, types.InstanceID) error {
	atomic.AddInt64(&h.startCalls, 1)
	return h.startErr
}

func (h *fakeHost) StopInstance(context.Context, types.InstanceID) error {
	atomic.AddInt64(&h.stopCalls, 1)
	return nil
}

func (h *fakeHost) RebootInstance(context.Context, types.InstanceID) error {
	atomic.AddInt64(&h.rebootCalls, 1)
	return nil
}

func (h *fakeHost) InstanceIP(context.Context, types.InstanceID) (string, error) {
	if h.ipErr != nil {
		return "", h.ipErr
	}
	return h.ip, nil
}

func (h *fakeHost) InstanceStatus(_ context.Context, id types.InstanceID) (types.VMStatus, error) {
	status, ok := h.statuses[id]
	if !ok {
		return types.VMStatusStopped, nil
	}
	return status, nil
}

func (h *fakeHost) InstanceStatuses(_ context.Context, ids []types.InstanceID) (map[types.InstanceID]types.VMStatus, error) {
	atomic.AddInt64(&h.batchCalls, 1)
	if h.batchErr != nil {
		return nil, h.batchErr
	}
	out := make(map[types.InstanceID]types.VMStatus, len(ids))
	for _, id := range ids {
		status, ok := h.statuses[id]
		if !ok {
			status = types.VMStatusStopped
		}
		out[id] = status
	}
	return out, nil
}

func (h *fakeHost) SpinUpInstances(context.Context, types.UserID) (map[types.OSKind]types.InstanceID, error) {
	return h.provisions, nil
}

// fakeExchanger records the last token it saw and answers with a fixed URL.
type fakeExchanger struct {
	mu    sync.Mutex
	token string
	url   string
	err   error
}

func (e *fakeExchanger) Exchange(_ context.Context, token string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.token = token
	return e.url, nil
}

func (e *fakeExchanger) lastToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func newTestManager(t *testing.T, store RecordStore, host *fakeHost, gateway TokenExchanger) *Manager {
	t.Helper()
	m, err := NewManager(store, host, gateway, testKey)
	if err != nil {
		t.Fatalf("expected NewManager to succeed, got error: %s", err)
	}
	return m
}

func TestNewManagerRejectsBadKey(t *testing.T) {
	if _, err := NewManager(newFakeStore(), &fakeHost{}, &fakeExchanger{}, []byte("short")); err == nil {
		t.Error("expected NewManager to reject a short key, got nil")
	}
}

func TestStart(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusStopped,
	})
	host := &fakeHost{ip: "10.0.1.5"}
	gateway := &fakeExchanger{url: "https://gateway.labdesk.internal/?token=SESSION1"}
	m := newTestManager(t, store, host, gateway)

	sessionURL, err := m.Start(context.Background(), "E100", types.OSLinux)
	if err != nil {
		t.Fatalf("expected Start to succeed, got error: %s", err)
	}
	if sessionURL != gateway.url {
		t.Errorf("expected the gateway's session URL, got %s", sessionURL)
	}

	// The descriptor sent to the gateway must identify the employee and the
	// instance's address.
	descriptor, err := guacamole.Unseal(gateway.lastToken(), testKey)
	if err != nil {
		t.Fatalf("expected the exchanged token to unseal, got error: %s", err)
	}
	if descriptor.Username != "E100" {
		t.Errorf("expected username E100 in the descriptor, got %s", descriptor.Username)
	}
	conn, ok := descriptor.Connections["VNC-Session"]
	if !ok {
		t.Fatalf("expected a VNC-Session connection, got %v", descriptor.Connections)
	}
	if conn.Parameters.Hostname != "10.0.1.5" {
		t.Errorf("expected the instance's IP in the descriptor, got %s", conn.Parameters.Hostname)
	}

	vm := store.get("i-abc123")
	if vm.Status != types.VMStatusRunning {
		t.Errorf("expected the record to be running, got %s", vm.Status)
	}
	if vm.SessionURL != sessionURL {
		t.Errorf("expected the session URL to be persisted, got %q", vm.SessionURL)
	}
}

func TestStartNotFound(t *testing.T) {
	m := newTestManager(t, newFakeStore(), &fakeHost{}, &fakeExchanger{})

	if _, err := m.Start(context.Background(), "E999", types.OSLinux); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown lease, got %v", err)
	}
}

func TestStartProviderFailure(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusStopped,
	})
	host := &fakeHost{startErr: utils.MakeError("InsufficientInstanceCapacity")}
	m := newTestManager(t, store, host, &fakeExchanger{})

	_, err := m.Start(context.Background(), "E100", types.OSLinux)
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected a ProviderError, got %v", err)
	}

	// A failed start must not dirty the record.
	if vm := store.get("i-abc123"); vm.Status != types.VMStatusStopped {
		t.Errorf("expected the record to stay stopped after a failed start, got %s", vm.Status)
	}
}

func TestStartMintFailureReportsRunning(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusStopped,
	})
	host := &fakeHost{ip: "10.0.1.5"}
	gateway := &fakeExchanger{err: guacamole.ErrGatewayUnreachable}
	m := newTestManager(t, store, host, gateway)

	_, err := m.Start(context.Background(), "E100", types.OSLinux)
	var mintErr *SessionMintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected a SessionMintError, got %v", err)
	}
	if !mintErr.VMRunning {
		t.Error("expected the error to report the VM as running")
	}

	// The machine is up even though the mint failed, so the record must say
	// running with no session URL.
	vm := store.get("i-abc123")
	if vm.Status != types.VMStatusRunning {
		t.Errorf("expected the record to be running, got %s", vm.Status)
	}
	if vm.SessionURL != "" {
		t.Errorf("expected no session URL, got %q", vm.SessionURL)
	}
}

func TestStartReusesFreshSession(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusRunning,
		SessionURL: "https://gateway.labdesk.internal/?token=LIVE",
		UpdatedAt:  time.Now(),
	})
	host := &fakeHost{ip: "10.0.1.5"}
	m := newTestManager(t, store, host, &fakeExchanger{url: "https://gateway.labdesk.internal/?token=NEW"})

	sessionURL, err := m.Start(context.Background(), "E100", types.OSLinux)
	if err != nil {
		t.Fatalf("expected Start to succeed, got error: %s", err)
	}
	if sessionURL != "https://gateway.labdesk.internal/?token=LIVE" {
		t.Errorf("expected the existing session URL to be reused, got %s", sessionURL)
	}
	if calls := atomic.LoadInt64(&host.startCalls); calls != 0 {
		t.Errorf("expected no provider start calls for a fresh session, got %d", calls)
	}
}

func TestStartRemintsExpiredSession(t *testing.T) {
	// The record says running with a session URL, but it was minted a week
	// ago: the token behind it expired long past the lease window, so Start
	// must run the full start/re-mint sequence instead of handing out the
	// dead link.
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusRunning,
		SessionURL: "https://gateway.labdesk.internal/?token=MINTED-LAST-WEEK",
		UpdatedAt:  time.Now().Add(-7 * 24 * time.Hour),
	})
	host := &fakeHost{ip: "10.0.1.5"}
	gateway := &fakeExchanger{url: "https://gateway.labdesk.internal/?token=FRESH"}
	m := newTestManager(t, store, host, gateway)

	sessionURL, err := m.Start(context.Background(), "E100", types.OSLinux)
	if err != nil {
		t.Fatalf("expected Start to succeed, got error: %s", err)
	}
	if sessionURL != gateway.url {
		t.Errorf("expected a freshly minted session URL, got %s", sessionURL)
	}
	if calls := atomic.LoadInt64(&host.startCalls); calls != 1 {
		t.Errorf("expected the provider start to be issued for an expired session, got %d calls", calls)
	}

	vm := store.get("i-abc123")
	if vm.SessionURL != gateway.url {
		t.Errorf("expected the fresh session URL to be persisted, got %q", vm.SessionURL)
	}
}

func TestConcurrentStartsIssueOneProviderCall(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusStopped,
	})
	host := &fakeHost{ip: "10.0.1.5"}
	gateway := &fakeExchanger{url: "https://gateway.labdesk.internal/?token=SESSION1"}
	m := newTestManager(t, store, host, gateway)

	const callers = 16
	urls := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = m.Start(context.Background(), "E100", types.OSLinux)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("expected every Start to succeed, call %d got error: %s", i, errs[i])
		}
		if urls[i] != gateway.url {
			t.Errorf("expected every caller to get the same session URL, call %d got %s", i, urls[i])
		}
	}

	if calls := atomic.LoadInt64(&host.startCalls); calls != 1 {
		t.Errorf("expected exactly one provider start call, got %d", calls)
	}
}

func TestStopClearsSession(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSWindows,
		Status:     types.VMStatusRunning,
		SessionURL: "https://gateway.labdesk.internal/?token=SESSION1",
	})
	host := &fakeHost{}
	m := newTestManager(t, store, host, &fakeExchanger{})

	if err := m.Stop(context.Background(), "E100", types.OSWindows); err != nil {
		t.Fatalf("expected Stop to succeed, got error: %s", err)
	}

	vm := store.get("i-abc123")
	if vm.Status != types.VMStatusStopped {
		t.Errorf("expected the record to be stopped, got %s", vm.Status)
	}
	if vm.SessionURL != "" {
		t.Errorf("expected the session URL to be cleared, got %q", vm.SessionURL)
	}
	if calls := atomic.LoadInt64(&host.stopCalls); calls != 1 {
		t.Errorf("expected one provider stop call, got %d", calls)
	}
}

func TestRestartMintsNewSessionWithoutTouchingStatus(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusRunning,
		SessionURL: "https://gateway.labdesk.internal/?token=OLD",
	})
	host := &fakeHost{ip: "10.0.1.5"}
	gateway := &fakeExchanger{url: "https://gateway.labdesk.internal/?token=NEW"}
	m := newTestManager(t, store, host, gateway)

	sessionURL, err := m.Restart(context.Background(), "E100", types.OSLinux)
	if err != nil {
		t.Fatalf("expected Restart to succeed, got error: %s", err)
	}
	if sessionURL != gateway.url {
		t.Errorf("expected the fresh session URL, got %s", sessionURL)
	}

	vm := store.get("i-abc123")
	if vm.Status != types.VMStatusRunning {
		t.Errorf("expected the status to be untouched by a restart, got %s", vm.Status)
	}
	if vm.SessionURL != gateway.url {
		t.Errorf("expected the fresh session URL to be persisted, got %q", vm.SessionURL)
	}
	if calls := atomic.LoadInt64(&host.rebootCalls); calls != 1 {
		t.Errorf("expected one provider reboot call, got %d", calls)
	}
}

func TestStatusReportsLiveStatusWithoutWriting(t *testing.T) {
	store := newFakeStore(dbdriver.VM{
		InstanceID: "i-abc123",
		EmployeeID: "E100",
		OS:         types.OSLinux,
		Status:     types.VMStatusRunning,
		SessionURL: "https://gateway.labdesk.internal/?token=STALE",
	})
	// The provider says the instance is actually stopped.
	host := &fakeHost{statuses: map[types.InstanceID]types.VMStatus{
		"i-abc123": types.VMStatusStopped,
	}}
	m := newTestManager(t, store, host, &fakeExchanger{})

	infos, err := m.Status(context.Background(), "E100")
	if err != nil {
		t.Fatalf("expected Status to succeed, got error: %s", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one VM in the report, got %d", len(infos))
	}
	if infos[0].Status != types.VMStatusStopped {
		t.Errorf("expected the live status in the report, got %s", infos[0].Status)
	}
	if infos[0].SessionURL != "" {
		t.Errorf("expected no session URL for a stopped VM, got %q", infos[0].SessionURL)
	}

	// Status only reports; the record is left for the reconciler.
	vm := store.get("i-abc123")
	if vm.Status != types.VMStatusRunning {
		t.Errorf("expected the record to be untouched by Status, got %s", vm.Status)
	}
}

func TestProvision(t *testing.T) {
	store := newFakeStore()
	host := &fakeHost{provisions: map[types.OSKind]types.InstanceID{
		types.OSLinux:   "i-linux01",
		types.OSWindows: "i-windows01",
	}}
	m := newTestManager(t, store, host, &fakeExchanger{})

	infos, err := m.Provision(context.Background(), "E200")
	if err != nil {
		t.Fatalf("expected Provision to succeed, got error: %s", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected two provisioned VMs, got %d", len(infos))
	}

	for _, id := range []types.InstanceID{"i-linux01", "i-windows01"} {
		vm := store.get(id)
		if vm.EmployeeID != "E200" {
			t.Errorf("expected VM %s to belong to E200, got %s", id, vm.EmployeeID)
		}
		if vm.Status != types.VMStatusStopped {
			t.Errorf("expected VM %s to be recorded as stopped, got %s", id, vm.Status)
		}
	}
}
