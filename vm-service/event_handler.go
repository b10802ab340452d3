// Copyright (c) 2024 CollabSec, Inc.

// The vm-service manages the lifecycle of the VMs CollabSec leases to its
// employees: it powers them on and off against the cloud provider, mints the
// Guacamole session URLs that make them reachable from a browser, and
// periodically reconciles the VM inventory against the provider's view of
// the world.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/auth"
	"github.com/collabsec/labdesk/backend/services/vm-service/config"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbclient"
	"github.com/collabsec/labdesk/backend/services/vm-service/dbdriver"
	"github.com/collabsec/labdesk/backend/services/vm-service/guacamole"
	awshost "github.com/collabsec/labdesk/backend/services/vm-service/hosts/aws"
	"github.com/collabsec/labdesk/backend/services/vm-service/lifecycle"
)

// reconcileInterval is how often the inventory sweep runs.
const reconcileInterval = 10 // minutes

func main() {
	// The first thing we want to do is to initialize Logz.io and Sentry so
	// that we can catch any errors that might occur, or logs if we print
	// them.
	logger.InitVMServiceLogging()
	defer logger.Close()

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}

	// Start GraphQL client for config queries
	graphqlClient := &dbclient.GraphQLClient{}
	if err := graphqlClient.Initialize(); err != nil {
		logger.Errorf("Failed to start GraphQL client: %s", err)
	}

	if err := config.Initialize(globalCtx, graphqlClient); err != nil {
		logger.Panicf(globalCancel, "Failed to initialize configuration: %s", err)
		return
	}

	if !metadata.IsLocalEnv() {
		if err := auth.Initialize(); err != nil {
			logger.Panicf(globalCancel, "Failed to initialize authentication: %s", err)
			return
		}
	}

	db := &dbdriver.DBDriver{}
	if err := db.Initialize(globalCtx); err != nil {
		logger.Panicf(globalCancel, "Failed to initialize database driver: %s", err)
		return
	}
	defer db.Close()

	host := &awshost.AWSHost{}
	if err := host.Initialize(config.GetRegion()); err != nil {
		logger.Panicf(globalCancel, "Failed to initialize host handler: %s", err)
		return
	}

	gateway := guacamole.NewClient(config.GetGatewayURL())

	manager, err := lifecycle.NewManager(db, host, gateway, config.GetGuacamoleKey())
	if err != nil {
		logger.Panicf(globalCancel, "Failed to initialize lifecycle manager: %s", err)
		return
	}

	// Setup channels for the HTTP server and the reconciliation scheduler
	events := make(chan VMEvent, 100)
	reconcileEvents := make(chan struct{}, 1)
	StartReconcileScheduler(reconcileEvents)

	StartHTTPServer(globalCtx, events)

	// Start main event loop
	go eventLoop(globalCtx, globalCancel, goroutineTracker, events, reconcileEvents, manager)

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is
	// pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker
	// goroutine, or for us to receive an interrupt. This needs to be the end
	// of main().
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
		globalCancel()
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}

	goroutineTracker.Wait()
}

// StartReconcileScheduler schedules the periodic inventory sweep. The
// scheduler only ever signals the event loop; the sweep itself runs there so
// it serializes with everything else through the lifecycle manager's locks.
func StartReconcileScheduler(reconcileEvents chan<- struct{}) {
	s := gocron.NewScheduler(time.UTC)

	s.Every(reconcileInterval).Minutes().Do(func() {
		// A sweep that is already pending covers this tick too.
		select {
		case reconcileEvents <- struct{}{}:
		default:
		}
	})

	s.StartAsync()
}

func eventLoop(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup,
	events <-chan VMEvent, reconcileEvents <-chan struct{}, manager *lifecycle.Manager) {

	for {
		select {
		case event := <-events:
			logger.Infof("Received server event %s.", event.ID)

			goroutineTracker.Add(1)
			go func(request ServerRequest) {
				defer goroutineTracker.Done()
				processServerRequest(globalCtx, manager, request)
			}(event.Data)

		case <-reconcileEvents:
			goroutineTracker.Add(1)
			go func() {
				defer goroutineTracker.Done()
				if _, err := manager.ReconcileAll(globalCtx); err != nil {
					logger.Errorf("Inventory sweep failed: %s", err)
				}
			}()

		case <-globalCtx.Done():
			return
		}
	}
}

// processServerRequest dispatches one authenticated HTTP request to the
// lifecycle manager and passes the result back to the waiting handler.
func processServerRequest(ctx context.Context, manager *lifecycle.Manager, request ServerRequest) {
	switch request := request.(type) {
	case *StartVMRequest:
		os, err := types.ParseOSKind(request.OS)
		if err != nil {
			request.ReturnResult(nil, err)
			return
		}
		sessionURL, err := manager.Start(ctx, request.employeeID, os)
		request.ReturnResult(sessionURL, err)

	case *StopVMRequest:
		os, err := types.ParseOSKind(request.OS)
		if err != nil {
			request.ReturnResult(nil, err)
			return
		}
		request.ReturnResult(nil, manager.Stop(ctx, request.employeeID, os))

	case *RestartVMRequest:
		os, err := types.ParseOSKind(request.OS)
		if err != nil {
			request.ReturnResult(nil, err)
			return
		}
		sessionURL, err := manager.Restart(ctx, request.employeeID, os)
		request.ReturnResult(sessionURL, err)

	case *StatusVMRequest:
		infos, err := manager.Status(ctx, request.employeeID)
		request.ReturnResult(infos, err)

	default:
		request.ReturnResult(nil, utils.MakeError("unknown server request type %T", request))
	}
}
