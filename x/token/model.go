package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload clearance issues and accepts.
type Claims struct {
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}
