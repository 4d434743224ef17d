package shared

import "errors"

var (
	ErrNoLogger               = errors.New("no logger provided")
	ErrNoConfig               = errors.New("no config provided")
	ErrNoAPIKey               = errors.New("no API key provided")
	ErrInvalidConfig          = errors.New("invalid config")
	ErrMalformedUpstreamEvent = errors.New("malformed upstream event")
	ErrMissingEventId         = errors.New("missing event_id on event")
	ErrMissingEventType       = errors.New("missing type on event")
	ErrOutboundQueueFull      = errors.New("outbound queue full")
	ErrSessionClosed          = errors.New("session closed")
	ErrClientClosed           = errors.New("client connection closed")
	ErrUpstreamClosed         = errors.New("upstream connection closed")
	ErrUpstreamDial           = errors.New("dialing upstream failed")
	ErrTranscriptionFailed    = errors.New("transcription failed")
	ErrShuttingDown           = errors.New("relay is shutting down")
)
