package middleware

// errEnvelope matches the API package's JSON error shape for responses
// written before a request reaches a handler.
type errEnvelope struct {
	Error string `json:"error"`
}
