// Copyright (c) 2024 CollabSec, Inc.

package auth

import (
	"github.com/collabsec/labdesk/backend/services/metadata"
)

type authConfig struct {
	// JWT audience. Identifies the service that accepts the token.
	Aud string
	// JWT issuer. The issuing server.
	Iss string
}

func (a authConfig) getJwksURL() string {
	return a.Iss + ".well-known/jwks.json"
}

var authConfigDev = authConfig{
	Aud: "https://api.labdesk.collabsec.com",
	Iss: "https://collabsec-dev.us.auth0.com/",
}

var authConfigStaging = authConfig{
	Aud: "https://api.labdesk.collabsec.com",
	Iss: "https://collabsec-staging.us.auth0.com/",
}

var authConfigProd = authConfig{
	Aud: "https://api.labdesk.collabsec.com",
	Iss: "https://login.collabsec.com/",
}

func getAuthConfig() authConfig {
	switch metadata.GetAppEnvironment() {
	case metadata.EnvDev:
		return authConfigDev
	case metadata.EnvStaging:
		return authConfigStaging
	case metadata.EnvProd:
		return authConfigProd
	default:
		return authConfigDev
	}
}
