package core

const (
	RequesterTypeCtxKey   = "clr-requesterType"
	RequesterIdCtxKey     = "clr-requesterId"
	RequesterClientCtxKey = "clr-requesterClient"
	RequesterScopeCtxKey  = "clr-requesterScope"
	RequesterClaimsCtxKey = "clr-requesterClaims"
)

const (
	RequestIdCtxKey   = "clr-requestId"
	RequestPathCtxKey = "clr-requestPath"
)

const (
	Unknown = iota
	EndUser
	ServiceClient
)

func RequesterTypeString(t int) string {
	switch t {
	case EndUser:
		return "EndUser"
	case ServiceClient:
		return "ServiceClient"
	case Unknown:
		return "Unknown"
	default:
		return "Error"
	}
}
