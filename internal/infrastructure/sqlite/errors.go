package sqlite

import "errors"

// Sentinel errors returned by repositories. Callers branch with errors.Is;
// the control plane maps them to 404 (or 401 for identity lookups).
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEnvelopeNotFound     = errors.New("envelope not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrComputerNotFound     = errors.New("computer not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrPersonNotFound       = errors.New("person not found")
	ErrChannelNotFound      = errors.New("channel not found")
)
