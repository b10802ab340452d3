package lifecycle

import (
	"testing"

	"github.com/collabsec/labdesk/backend/services/types"
)

func TestLockMapReturnsSameLockForSameLease(t *testing.T) {
	locks := newLockMap()

	first := locks.get("E100", types.OSLinux)
	second := locks.get("E100", types.OSLinux)
	if first != second {
		t.Error("expected the same mutex for the same lease")
	}
}

func TestLockMapSeparatesLeases(t *testing.T) {
	locks := newLockMap()

	testMap := []struct {
		testName string
		employee types.UserID
		os       types.OSKind
	}{
		{"different OS", "E100", types.OSWindows},
		{"different employee", "E200", types.OSLinux},
		{"both different", "E200", types.OSWindows},
	}

	base := locks.get("E100", types.OSLinux)
	for _, value := range testMap {
		if locks.get(value.employee, value.os) == base {
			t.Errorf("expected a distinct mutex for %s", value.testName)
		}
	}
}
