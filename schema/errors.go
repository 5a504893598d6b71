package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidFolder indicates an unusable group folder name.
	ErrInvalidFolder = errors.New("invalid group folder")
	// ErrGroupNotFound indicates the tenant is not registered.
	ErrGroupNotFound = errors.New("group not found")
	// ErrTaskNotFound indicates a requested task could not be found.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidSchedule indicates a cron, interval or timestamp that cannot be scheduled.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrUnauthorized indicates a tenant acted outside its own scope.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrNoAllowlist indicates no mount allowlist is configured.
	ErrNoAllowlist = errors.New("no allowlist configured")
	// ErrPathEscape indicates a path resolved outside its permitted root.
	ErrPathEscape = errors.New("path escapes group directory")
	// ErrFileTooLarge indicates a file exceeds the send limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupported indicates a collaborator is not configured.
	ErrUnsupported = errors.New("not supported")
)
