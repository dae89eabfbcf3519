package core

import "fmt"

type ErrorNotFound struct {
}

func (e ErrorNotFound) Error() string {
	return "Not Found"
}

func NewErrorNotFound() ErrorNotFound {
	return ErrorNotFound{}
}

type ErrorAlreadyExists struct {
}

func (e ErrorAlreadyExists) Error() string {
	return "Already Exists"
}

func NewErrorAlreadyExists() ErrorAlreadyExists {
	return ErrorAlreadyExists{}
}

type ErrorPermissionDenied struct {
}

func (e ErrorPermissionDenied) Error() string {
	return "Permission Denied"
}

func NewErrorPermissionDenied() ErrorPermissionDenied {
	return ErrorPermissionDenied{}
}

type ErrorTokenExpired struct {
}

func (e ErrorTokenExpired) Error() string {
	return "Token Expired"
}

func NewErrorTokenExpired() ErrorTokenExpired {
	return ErrorTokenExpired{}
}

type ErrorTokenRevoked struct {
}

func (e ErrorTokenRevoked) Error() string {
	return "Token Revoked"
}

func NewErrorTokenRevoked() ErrorTokenRevoked {
	return ErrorTokenRevoked{}
}

type ErrorTokenMalformed struct {
}

func (e ErrorTokenMalformed) Error() string {
	return "Token Malformed"
}

func NewErrorTokenMalformed() ErrorTokenMalformed {
	return ErrorTokenMalformed{}
}

type ErrorSignatureInvalid struct {
}

func (e ErrorSignatureInvalid) Error() string {
	return "Signature Invalid"
}

func NewErrorSignatureInvalid() ErrorSignatureInvalid {
	return ErrorSignatureInvalid{}
}

type ErrorConfiguration struct {
	Reason string
}

func (e ErrorConfiguration) Error() string {
	return fmt.Sprintf("Configuration Error: %s", e.Reason)
}

func NewErrorConfiguration(reason string) ErrorConfiguration {
	return ErrorConfiguration{Reason: reason}
}

type ErrorKeyNotFound struct {
	KID string
}

func (e ErrorKeyNotFound) Error() string {
	return fmt.Sprintf("Key Not Found: %s", e.KID)
}

func NewErrorKeyNotFound(kid string) ErrorKeyNotFound {
	return ErrorKeyNotFound{KID: kid}
}

type ErrorJwksFetchFailed struct {
	URI string
}

func (e ErrorJwksFetchFailed) Error() string {
	return fmt.Sprintf("JWKS Fetch Failed: %s", e.URI)
}

func NewErrorJwksFetchFailed(uri string) ErrorJwksFetchFailed {
	return ErrorJwksFetchFailed{URI: uri}
}

type ErrorScriptTimeout struct {
}

func (e ErrorScriptTimeout) Error() string {
	return "Script Timeout"
}

func NewErrorScriptTimeout() ErrorScriptTimeout {
	return ErrorScriptTimeout{}
}

type ErrorScriptResource struct {
	Kind string
}

func (e ErrorScriptResource) Error() string {
	return fmt.Sprintf("Script Resource Limit Exceeded: %s", e.Kind)
}

func NewErrorScriptResource(kind string) ErrorScriptResource {
	return ErrorScriptResource{Kind: kind}
}

type ErrorStorageUnavailable struct {
}

func (e ErrorStorageUnavailable) Error() string {
	return "Storage Unavailable"
}

func NewErrorStorageUnavailable() ErrorStorageUnavailable {
	return ErrorStorageUnavailable{}
}

type ErrorPoolExhausted struct {
}

func (e ErrorPoolExhausted) Error() string {
	return "Sandbox Pool Exhausted"
}

func NewErrorPoolExhausted() ErrorPoolExhausted {
	return ErrorPoolExhausted{}
}
