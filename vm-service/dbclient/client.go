// Copyright (c) 2024 CollabSec, Inc.

/*
Package dbclient abstracts all interactions with the configuration database.
It defines an interface so any consumers of this package can perform query
operations without having to use the Hasura client directly, which also makes
the consumers easy to test and mock.
*/
package dbclient

import (
	"context"
	"os"

	graphql "github.com/hasura/go-graphql-client"
	"golang.org/x/oauth2"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/metadata"
)

// A GraphQLQuery is the struct a Hasura query deserializes into. The concrete
// type carries the `graphql` field tags.
type GraphQLQuery interface{}

// LabDeskGraphQLClient is an interface used to abstract the interactions with
// the official Hasura client.
type LabDeskGraphQLClient interface {
	Initialize() error
	Query(context.Context, GraphQLQuery, map[string]interface{}) error
	Mutate(context.Context, GraphQLQuery, map[string]interface{}) error
}

// HasuraParams are the connection parameters for the Hasura server.
type HasuraParams struct {
	URL       string
	AccessKey string
}

const localHasuraURL = "http://localhost:8081/v1/graphql"

// getHasuraParams obtains and returns the parameters that are necessary to
// initialize the client.
func getHasuraParams() HasuraParams {
	if metadata.IsLocalEnv() {
		return HasuraParams{
			URL:       localHasuraURL,
			AccessKey: "hasura",
		}
	}

	return HasuraParams{
		URL:       os.Getenv("HASURA_GRAPHQL_URL"),
		AccessKey: os.Getenv("HASURA_GRAPHQL_ACCESS_KEY"),
	}
}

// GraphQLClient implements LabDeskGraphQLClient and is exposed to be used by
// any other package that needs to interact with the Hasura client.
type GraphQLClient struct {
	Hasura *graphql.Client
	Params HasuraParams
}

// Initialize creates the client.
func (lc *GraphQLClient) Initialize() error {
	if metadata.IsLocalEnvWithoutDB() {
		logger.Infof("Running in app environment %s so not enabling GraphQL client code.", metadata.GetAppEnvironment())
		return nil
	}

	logger.Infof("Setting up GraphQL client...")

	lc.Params = getHasuraParams()

	// Create http client for authenticating the GraphQL client
	src := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: lc.Params.AccessKey},
	)
	httpClient := oauth2.NewClient(context.Background(), src)

	lc.Hasura = graphql.NewClient(lc.Params.URL, httpClient)

	return nil
}

// Query executes the given GraphQL query and assigns the returned values to
// the provided interface.
func (lc *GraphQLClient) Query(ctx context.Context, query GraphQLQuery, variables map[string]interface{}) error {
	return lc.Hasura.Query(ctx, query, variables)
}

// Mutate executes the given GraphQL mutation and writes to the database.
func (lc *GraphQLClient) Mutate(ctx context.Context, query GraphQLQuery, variables map[string]interface{}) error {
	return lc.Hasura.Mutate(ctx, query, variables)
}
