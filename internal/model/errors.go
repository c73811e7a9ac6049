package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid or missing parameters")
	ErrUnauthorized   = errors.New("invalid token")
	ErrNotFound       = errors.New("no such actor")
	ErrInvalidSetup   = errors.New("invalid actor setup")
	ErrNotAFile       = errors.New("actor script is not an executable file")
	ErrActorBusy      = errors.New("actor is locked currently")
)

// SpawnError is returned when the actor script can't be started at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StreamError reports a failure reading one of the output streams of a running script.
type StreamError struct {
	Stream Stream
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
