// Copyright (c) 2024 CollabSec, Inc.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/auth"
)

// A ServerRequest represents a request from the HTTP server --- the event
// loop processes them and simply returns the result and any error message via
// ReturnResult.
type ServerRequest interface {
	ReturnResult(result interface{}, err error)
	createResultChan()
	awaitResult() requestResult
	setEmployeeID(id types.UserID)
}

// A requestResult represents the result of a request that was successfully
// authenticated, parsed, and processed by the consumer.
type requestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
}

// send is called to send an HTTP response.
func (r requestResult) send(w http.ResponseWriter) {
	var buf []byte
	var err error
	var status int

	if r.Err != nil {
		// Send a 406
		status = http.StatusNotAcceptable
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
				Error  string      `json:"error"`
			}{r.Result, r.Err.Error()},
		)
	} else {
		// Send a 200 code
		status = http.StatusOK
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
			}{r.Result},
		)
	}

	w.WriteHeader(status)
	if err != nil {
		logger.Errorf("Error marshalling a %v HTTP response body: %s", status, err)
	}
	_, _ = w.Write(buf)
}

// A VMEvent wraps one authenticated ServerRequest for the event loop.
type VMEvent struct {
	ID   string
	Data ServerRequest
}

// baseVMRequest carries the fields every lifecycle request shares. The
// employee comes from the verified access token, never from the request
// body.
type baseVMRequest struct {
	OS         string `json:"os"`
	employeeID types.UserID
	resultChan chan requestResult // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *baseVMRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- requestResult{result, err}
}

// createResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *baseVMRequest) createResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan requestResult)
	}
}

// awaitResult blocks until the event loop has processed the request.
func (s *baseVMRequest) awaitResult() requestResult {
	return <-s.resultChan
}

func (s *baseVMRequest) setEmployeeID(id types.UserID) {
	s.employeeID = id
}

// StartVMRequest asks for the employee's VM of the given OS to be powered on
// and returns a session URL.
type StartVMRequest struct {
	baseVMRequest
}

// StopVMRequest asks for the employee's VM of the given OS to be powered
// off.
type StopVMRequest struct {
	baseVMRequest
}

// RestartVMRequest asks for the employee's VM of the given OS to be rebooted
// and returns a fresh session URL.
type RestartVMRequest struct {
	baseVMRequest
}

// StatusVMRequest asks for the live status of every VM leased to the
// employee.
type StatusVMRequest struct {
	baseVMRequest
}

// The OAuth scopes that gate each lifecycle endpoint. Tokens are issued with
// the scopes the employee's role allows.
const (
	ScopeStartVM   = "vm:start"
	ScopeStopVM    = "vm:stop"
	ScopeRestartVM = "vm:restart"
	ScopeStatusVM  = "vm:status"
)

// makeVMRequestHandler builds the handler for one lifecycle endpoint. Every
// endpoint authenticates the same way and hands its request to the event
// loop, so the only things that vary are the HTTP method, the required
// scope, and the concrete request type.
func makeVMRequestHandler(method string, scope string, newRequest func() ServerRequest, events chan<- VMEvent) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := verifyRequestType(w, r, method); err != nil {
			return
		}

		reqdata := newRequest()
		if err := authenticateAndParseRequest(w, r, scope, reqdata); err != nil {
			logger.Errorf("Failed while authenticating request: %s", err)
			return
		}

		events <- VMEvent{
			ID:   uuid.NewString(),
			Data: reqdata,
		}

		res := reqdata.awaitResult()
		res.send(w)
	}
}

// authenticateAndParseRequest verifies the access token on the request,
// checks that it grants the endpoint's scope, stamps the verified employee
// onto the ServerRequest, and unmarshals the request body into it. In local
// environments the token check is skipped and the employee comes from the
// X-LabDesk-Employee header instead.
func authenticateAndParseRequest(w http.ResponseWriter, r *http.Request, scope string, s ServerRequest) error {
	employeeID, err := authenticateRequest(w, r, scope)
	if err != nil {
		return err
	}
	s.setEmployeeID(employeeID)

	// Get request body. Status requests arrive as GETs with no body, which
	// reads as zero bytes here.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, s); err != nil {
			http.Error(w, "Malformed body", http.StatusBadRequest)
			return utils.MakeError("failed to unmarshal request body: %s", err)
		}
	}

	s.createResultChan()

	return nil
}

func authenticateRequest(w http.ResponseWriter, r *http.Request, scope string) (types.UserID, error) {
	if metadata.IsLocalEnv() {
		employee := r.Header.Get("X-LabDesk-Employee")
		if employee == "" {
			employee = "localdev"
		}
		return types.UserID(employee), nil
	}

	rawToken := r.Header.Get("Authorization")
	splitToken := strings.Split(rawToken, "Bearer ")
	if len(splitToken) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", utils.MakeError("received a request on %s to URL %s without a bearer token", r.Host, r.URL)
	}

	claims, err := auth.Verify(splitToken[1])
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", utils.MakeError("received an unpermissioned request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if !claims.VerifyScope(scope) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", utils.MakeError("token for %s on %s to URL %s is missing scope %s", claims.EmployeeID(), r.Host, r.URL, scope)
	}

	return claims.EmployeeID(), nil
}

// throttleMiddleware will limit requests on the endpoint using the provided
// rate limiter. It uses a token bucket algorithm, so that every interval of
// time the "bucket" will refill and continue to serve tokens up to a maximum
// defined by the burst capacity. In case the limit is exceeded, return an
// http 429 error (too many requests).
func throttleMiddleware(limiter *rate.Limiter, f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(rw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		f(rw, r)
	}
}

// Function to verify the type (method) of a request.
func verifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)

		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)

		return err
	}
	return nil
}

// StartHTTPServer starts the vm-service's HTTP server and hands every
// authenticated request to the event loop through the events channel. The
// server shuts down gracefully when the global context is cancelled.
func StartHTTPServer(globalCtx context.Context, events chan VMEvent) {
	logger.Infof("Starting HTTP server...")

	// Start a new rate limiter. This will limit requests on an endpoint to
	// every `interval` with a burst of up to `burst` requests. This helps
	// mitigate a misbehaving client spamming too many requests.
	interval := 1 * time.Second
	burst := 10
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	throttled := func(method string, scope string, newRequest func() ServerRequest) http.Handler {
		return http.HandlerFunc(throttleMiddleware(limiter, makeVMRequestHandler(method, scope, newRequest, events)))
	}

	// Create a custom HTTP Request Multiplexer
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.Handle("/vm/start-vm", throttled(http.MethodPost, ScopeStartVM, func() ServerRequest { return &StartVMRequest{} }))
	mux.Handle("/vm/stop-vm", throttled(http.MethodPost, ScopeStopVM, func() ServerRequest { return &StopVMRequest{} }))
	mux.Handle("/vm/restart-vm", throttled(http.MethodPost, ScopeRestartVM, func() ServerRequest { return &RestartVMRequest{} }))
	mux.Handle("/vm/vm-status", throttled(http.MethodGet, ScopeStatusVM, func() ServerRequest { return &StatusVMRequest{} }))

	// Add timeouts to help mitigate potential rogue clients or DDOS attacks.
	srv := &http.Server{
		Addr:         "0.0.0.0:8082",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      mux,
	}

	go func() {
		<-globalCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error shutting down HTTP server: %s", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err)
		}
	}()
}
