package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/utils"
)

func TestVerifyRequestType(t *testing.T) {
	testMap := []struct {
		testName   string
		method     string
		want       string
		wantErr    bool
		wantStatus int
	}{
		{"matching POST", http.MethodPost, http.MethodPost, false, http.StatusOK},
		{"matching GET", http.MethodGet, http.MethodGet, false, http.StatusOK},
		{"GET where POST expected", http.MethodGet, http.MethodPost, true, http.StatusBadRequest},
		{"DELETE where GET expected", http.MethodDelete, http.MethodGet, true, http.StatusBadRequest},
	}

	for _, value := range testMap {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(value.method, "/vm/start-vm", nil)

		err := verifyRequestType(w, r, value.want)
		if value.wantErr && err == nil {
			t.Errorf("expected %s to be rejected, got nil", value.testName)
		}
		if !value.wantErr && err != nil {
			t.Errorf("expected %s to be accepted, got error: %s", value.testName, err)
		}
		if value.wantErr && w.Code != value.wantStatus {
			t.Errorf("expected %s to answer %d, got %d", value.testName, value.wantStatus, w.Code)
		}
	}
}

func TestRequestResultSend(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		w := httptest.NewRecorder()
		requestResult{Result: "https://gateway.labdesk.internal/?token=SESSION1"}.send(w)

		if w.Code != http.StatusOK {
			t.Errorf("expected a 200, got %d", w.Code)
		}

		var body struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("expected a JSON body, got error: %s", err)
		}
		if body.Result != "https://gateway.labdesk.internal/?token=SESSION1" {
			t.Errorf("expected the result in the body, got %q", body.Result)
		}
	})

	t.Run("error", func(t *testing.T) {
		w := httptest.NewRecorder()
		requestResult{Err: utils.MakeError("no such VM")}.send(w)

		if w.Code != http.StatusNotAcceptable {
			t.Errorf("expected a 406, got %d", w.Code)
		}

		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("expected a JSON body, got error: %s", err)
		}
		if body.Error != "no such VM" {
			t.Errorf("expected the error message in the body, got %q", body.Error)
		}
	})
}

func TestThrottleMiddleware(t *testing.T) {
	// One request per hour with a burst of 2: the third request in a row has
	// to be throttled.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 2)
	handler := throttleMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/vm/vm-status", nil))
		codes[i] = w.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("expected the first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected the third request to be throttled, got %d", codes[2])
	}
}

func TestAuthenticateRequestLocalEnv(t *testing.T) {
	savedGetAppEnvironment := metadata.GetAppEnvironment
	metadata.GetAppEnvironment = func() metadata.AppEnvironment { return metadata.EnvLocalDev }
	defer func() {
		metadata.GetAppEnvironment = savedGetAppEnvironment
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/vm/vm-status", nil)
	r.Header.Set("X-LabDesk-Employee", "E100")

	employee, err := authenticateRequest(w, r, ScopeStatusVM)
	if err != nil {
		t.Fatalf("expected the local bypass to succeed, got error: %s", err)
	}
	if employee != "E100" {
		t.Errorf("expected employee E100, got %s", employee)
	}
}

func TestAuthenticateRequestMissingToken(t *testing.T) {
	savedGetAppEnvironment := metadata.GetAppEnvironment
	metadata.GetAppEnvironment = func() metadata.AppEnvironment { return metadata.EnvDev }
	defer func() {
		metadata.GetAppEnvironment = savedGetAppEnvironment
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/vm/start-vm", nil)

	if _, err := authenticateRequest(w, r, ScopeStartVM); err == nil {
		t.Fatal("expected a request without a bearer token to be rejected, got nil")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected a 401, got %d", w.Code)
	}
}
