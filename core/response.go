package core

// ResponseBase is the envelope the JSON APIs wrap their payloads in.
// Status is "ok" on success; on failure either Error or Message carries
// the reason, depending on the endpoint.
type ResponseBase[T any] struct {
	Status  string `json:"status"`
	Content T      `json:"content"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Reason returns whichever failure text the envelope carries.
func (r ResponseBase[T]) Reason() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}
