// Copyright (c) 2024 CollabSec, Inc.

// Package sstest provides common testing utilities for the vm-service.
package sstest

import (
	"context"
	"reflect"
	"sort"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/collabsec/labdesk/backend/services/vm-service/dbclient"
)

// The TestClient type implements the dbclient.LabDeskGraphQLClient
// interface. We use it to mock dbclient.GraphQLClient.
type TestClient struct {
	// Configs is returned as the content of whichever configuration table is
	// queried.
	Configs map[string]string

	// QueryError, when non-nil, is returned from every Query call.
	QueryError error
}

// Initialize is part of the dbclient.LabDeskGraphQLClient interface.
func (*TestClient) Initialize() error {
	return nil
}

// Mutate is part of the dbclient.LabDeskGraphQLClient interface.
func (*TestClient) Mutate(context.Context, dbclient.GraphQLQuery, map[string]interface{}) error {
	return nil
}

// Query is part of the dbclient.LabDeskGraphQLClient interface. This
// implementation populates the query struct with the mock configuration
// entries. The config query structs are anonymous types, so we fill the
// `LabdeskConfigs` field via reflection rather than enumerating each one.
func (c *TestClient) Query(_ context.Context, q dbclient.GraphQLQuery, _ map[string]interface{}) error {
	if c.QueryError != nil {
		return c.QueryError
	}

	v := reflect.ValueOf(q)
	if v.Kind() != reflect.Ptr {
		return nil
	}

	field := v.Elem().FieldByName("LabdeskConfigs")
	if !field.IsValid() {
		return nil
	}

	// Sort the keys so the mock result is deterministic.
	keys := make([]string, 0, len(c.Configs))
	for k := range c.Configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entryType := reflect.TypeOf(dbclient.ConfigEntry{})
	entries := reflect.MakeSlice(reflect.SliceOf(entryType), 0, len(keys))
	for _, k := range keys {
		entry := reflect.New(entryType).Elem()
		entry.FieldByName("Key").Set(reflect.ValueOf(graphql.String(k)))
		entry.FieldByName("Value").Set(reflect.ValueOf(graphql.String(c.Configs[k])))
		entries = reflect.Append(entries, entry)
	}
	field.Set(entries)

	return nil
}
