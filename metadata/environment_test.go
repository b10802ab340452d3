package metadata

import "testing"

func TestGetAppEnvironmentDefaultsToLocalDev(t *testing.T) {
	// APP_ENV is unset when running tests, so the memoized lookup must fall
	// back to localdev.
	if env := GetAppEnvironment(); env != EnvLocalDev {
		t.Errorf("expected default environment to be %s, got %s", EnvLocalDev, env)
	}

	if !IsLocalEnv() {
		t.Errorf("expected IsLocalEnv to be true in the default environment")
	}

	if !IsLocalEnvWithoutDB() {
		t.Errorf("expected IsLocalEnvWithoutDB to be true in the default environment")
	}
}

func TestGetAppEnvironmentLowercase(t *testing.T) {
	// Swap the memoized lookup so we can exercise the non-default branches.
	savedGetAppEnvironment := GetAppEnvironment
	defer func() {
		GetAppEnvironment = savedGetAppEnvironment
	}()

	testMap := []struct {
		testName string
		env      AppEnvironment
		want     string
	}{
		{"dev", EnvDev, "dev"},
		{"staging", EnvStaging, "staging"},
		{"prod", EnvProd, "prod"},
	}

	for _, value := range testMap {
		env := value.env
		GetAppEnvironment = func() AppEnvironment { return env }
		if got := GetAppEnvironmentLowercase(); got != value.want {
			t.Errorf("expected %s lowercase environment to be %q, got %q", value.testName, value.want, got)
		}
	}
}
