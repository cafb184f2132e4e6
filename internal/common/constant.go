// Package common contains shared constants and sentinel errors used across
// draftsync components.
package common

// AuthorizationHeaderName is the gRPC metadata key carrying the participant
// bearer token on outbound requests.
const AuthorizationHeaderName = "authorization"

// BearerPrefix precedes the token in the authorization header value.
const BearerPrefix = "Bearer "
