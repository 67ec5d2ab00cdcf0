package service

import "errors"

// Errors returned by the service layer. Handlers map these to HTTP statuses.
var (
	ErrWorkspaceNotFound  = errors.New("workspace not found")
	ErrNameTaken          = errors.New("workspace name already in use")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAccountDisabled    = errors.New("account disabled")
)
