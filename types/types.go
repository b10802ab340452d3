// Package types contains some useful types shared between the various
// backend packages. We define this package separately so that we can safely
// pass these types around to other packages without creating import cycles.
package types // import "github.com/collabsec/labdesk/backend/services/types"

import (
	"strings"

	"github.com/collabsec/labdesk/backend/services/utils"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never mix up employee IDs and EC2
// instance IDs, for instance.

type (
	// A UserID is the employee identifier that leases VMs (e.g. "E100"). It
	// is the subject claim of the access tokens issued by the web layer.
	UserID string

	// An InstanceID is the opaque identifier assigned by the cloud provider
	// when the instance is created (e.g. "i-0a1b2c3d4e5f").
	InstanceID string

	// An OSKind is the operating system flavor of a leased VM. Each employee
	// leases at most one VM per OSKind.
	OSKind string

	// A VMStatus is the last known power state of a leased VM. It is a cache
	// of provider truth, not authoritative.
	VMStatus string
)

// The OS kinds we lease VMs for.
const (
	OSLinux   OSKind = "linux"
	OSWindows OSKind = "windows"
)

// The power states we track. Any provider state other than "running" is
// collapsed onto VMStatusStopped, since an instance that is pending,
// stopping, or terminated is equally unusable for a remote session.
const (
	VMStatusStopped VMStatus = "stopped"
	VMStatusRunning VMStatus = "running"
)

// ParseOSKind normalizes and validates a caller-provided OS name.
func ParseOSKind(s string) (OSKind, error) {
	switch OSKind(strings.ToLower(s)) {
	case OSLinux:
		return OSLinux, nil
	case OSWindows:
		return OSWindows, nil
	default:
		return "", utils.MakeError("invalid instance os %q: must be one of %q, %q", s, OSLinux, OSWindows)
	}
}
