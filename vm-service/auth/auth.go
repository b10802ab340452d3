// Copyright (c) 2024 CollabSec, Inc.

/*
Package auth provides functions for validating the JWTs employees send with
every vm-service request.

It has been tested with JWTs generated by our Auth0 configuration. It should
work with other JWTs too, provided that they are signed with the RS256
algorithm.
*/
package auth // import "github.com/collabsec/labdesk/backend/services/vm-service/auth"

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
)

// Scopes is an alias for []string with some custom deserialization behavior.
// It is used to store the value of an access token's "scope" claim, which is
// a single string of space-separated words.
type Scopes []string

// LabDeskClaims models the claims that must be present in an Auth0-issued
// LabDesk access token.
type LabDeskClaims struct {
	jwt.RegisteredClaims

	// Scopes stores the value of the access token's "scope" claim.
	Scopes Scopes `json:"scope"`
}

var config authConfig = getAuthConfig()
var jwks *keyfunc.JWKS

// Initialize fetches the JWKS used to verify token signatures. It must run
// before the first Verify call.
func Initialize() error {
	var err error // don't want to shadow jwks accidentally

	jwks, err = keyfunc.Get(config.getJwksURL(), keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("Error refreshing JWKS: %s", err)
		},
		RefreshUnknownKID: true,
	})
	if err != nil {
		return utils.MakeError("error getting JWKS on startup: %s", err)
	}
	logger.Infof("Successfully got JWKS from %s on startup.", config.getJwksURL())

	return nil
}

// UnmarshalJSON unmarshals a space-separated string of words into a *Scopes
// type. It overwrites the contents of *scopes with the unmarshalled data.
func (scopes *Scopes) UnmarshalJSON(data []byte) error {
	var s string

	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	*scopes = append((*scopes)[0:0], strings.Fields(s)...)

	return nil
}

// Verify parses a raw access token string, verifies the token's signature,
// ensures that it is valid at the current moment in time, and checks that it
// was issued by the proper issuer for the proper audience. It returns a
// pointer to a LabDeskClaims type containing the values of its claims if all
// checks are successful.
func Verify(tokenString string) (*LabDeskClaims, error) {
	if jwks == nil {
		return nil, utils.MakeError("Verify() called but auth is not initialized!")
	}

	claims := new(LabDeskClaims)
	_, err := jwt.ParseWithClaims(tokenString, claims, jwks.Keyfunc)
	if err != nil {
		return nil, err
	}

	if !claims.VerifyAudience(config.Aud, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("Bad audience %s", claims.Audience),
			jwt.ValidationErrorAudience,
		)
	}

	if !claims.VerifyIssuer(config.Iss, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("Bad issuer %s", claims.Issuer),
			jwt.ValidationErrorIssuer,
		)
	}

	return claims, nil
}

// VerifyScope returns true if claims.Scopes contains the requested scope and
// false otherwise. This function's name and type signature are inspired by
// those of the Verify* methods defined on jwt.RegisteredClaims.
func (claims *LabDeskClaims) VerifyScope(scope string) bool {
	return utils.StringSliceContains([]string(claims.Scopes), scope)
}

// EmployeeID returns the employee the token was issued to.
func (claims *LabDeskClaims) EmployeeID() types.UserID {
	return types.UserID(claims.Subject)
}
