package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/vm-service/internal/sstest"
)

const testSecretHex = "91ef08840af07d00919a7b90ebde4107"

func TestGetGuacamoleSecretKey(t *testing.T) {
	testMap := []struct {
		testName string
		env      string
		db       map[string]string
		wantErr  bool
	}{
		{"valid env key", testSecretHex, map[string]string{}, false},
		{"db fallback", "", map[string]string{"GUACAMOLE_SECRET_HEX": testSecretHex}, false},
		{"env wins over db", testSecretHex, map[string]string{"GUACAMOLE_SECRET_HEX": "zz"}, false},
		{"missing everywhere", "", map[string]string{}, true},
		{"not hex", "not-hex-at-all!", map[string]string{}, true},
		{"wrong length", "91ef08840af07d00", map[string]string{}, true},
	}

	for _, value := range testMap {
		t.Setenv("GUACAMOLE_SECRET_HEX", value.env)

		key, err := getGuacamoleSecretKey(value.db)
		if value.wantErr {
			if err == nil {
				t.Errorf("expected %s to fail, got key %x", value.testName, key)
			}
			continue
		}
		if err != nil {
			t.Errorf("expected %s to succeed, got error: %s", value.testName, err)
			continue
		}
		if len(key) != 16 {
			t.Errorf("expected %s to produce a 16-byte key, got %d bytes", value.testName, len(key))
		}
	}
}

func TestInitializeFromDB(t *testing.T) {
	savedGetAppEnvironment := metadata.GetAppEnvironment
	metadata.GetAppEnvironment = func() metadata.AppEnvironment { return metadata.EnvDev }
	defer func() {
		metadata.GetAppEnvironment = savedGetAppEnvironment
	}()
	t.Setenv("GUACAMOLE_SECRET_HEX", testSecretHex)

	client := &sstest.TestClient{Configs: map[string]string{
		"DEFAULT_REGION":        "eu-west-1",
		"GUACAMOLE_URL":         "https://gateway.labdesk.internal",
		"INSTANCE_TYPE":         "t3.xlarge",
		"SESSION_LEASE_SECONDS": "1800",
		"LINUX_IMAGE_ID":        "ami-linux000000000",
		"WINDOWS_IMAGE_ID":      "ami-windows0000000",
	}}

	if err := Initialize(context.Background(), client); err != nil {
		t.Fatalf("expected Initialize to succeed, got error: %s", err)
	}

	if got := GetRegion(); got != "eu-west-1" {
		t.Errorf("expected region eu-west-1, got %s", got)
	}
	if got := GetGatewayURL(); got != "https://gateway.labdesk.internal" {
		t.Errorf("expected the configured gateway URL, got %s", got)
	}
	if got := GetInstanceType(); got != "t3.xlarge" {
		t.Errorf("expected instance type t3.xlarge, got %s", got)
	}
	if got := GetSessionLeaseWindow(); got != 1800*time.Second {
		t.Errorf("expected a 1800s lease window, got %s", got)
	}

	wantImages := map[types.OSKind]string{
		types.OSLinux:   "ami-linux000000000",
		types.OSWindows: "ami-windows0000000",
	}
	if diff := cmp.Diff(wantImages, GetImageIDs()); diff != "" {
		t.Errorf("image IDs mismatch (-want +got):\n%s", diff)
	}

	// The VNC parameters were absent from the config table, so the defaults
	// must survive.
	if got := GetVNCPort(); got != "5901" {
		t.Errorf("expected default VNC port 5901, got %s", got)
	}
	if got := GetVNCPassword(); got == "" {
		t.Errorf("expected a default VNC password to survive, got empty string")
	}
}

func TestInitializeRejectsBadSecret(t *testing.T) {
	savedGetAppEnvironment := metadata.GetAppEnvironment
	metadata.GetAppEnvironment = func() metadata.AppEnvironment { return metadata.EnvDev }
	defer func() {
		metadata.GetAppEnvironment = savedGetAppEnvironment
	}()
	t.Setenv("GUACAMOLE_SECRET_HEX", "deadbeef")

	client := &sstest.TestClient{Configs: map[string]string{}}

	if err := Initialize(context.Background(), client); err == nil {
		t.Fatal("expected Initialize to reject a short secret key, got nil")
	}
}
