package container

import (
	"errors"
	"fmt"
)

// Sentinel errors for container operations.
var (
	// ErrNotFound indicates the container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrNameConflict indicates a container with the requested name already exists.
	ErrNameConflict = errors.New("container name already in use")

	// ErrImageNotFound indicates the image is missing and could not be pulled.
	ErrImageNotFound = errors.New("image not found")

	// ErrUnavailable indicates the container engine could not be reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// RuntimeError is returned by every failing Runtime call.
type RuntimeError struct {
	Op  string // create, start, stop, restart, remove, inspect, images, list
	ID  string // Container ID or name, when known
	Err error
}

func (e *RuntimeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("container %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *RuntimeError unless it already is one.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return err
	}
	return &RuntimeError{Op: op, ID: id, Err: err}
}
