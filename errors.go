package main

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	ConfigError ErrorKind = iota
	RemoteListError
	RemoteUploadError
	RemoteDeleteError
	LocalIOError
)

var (
	ErrConfig       = errors.New("configuration error")
	ErrRemoteList   = errors.New("remote list error")
	ErrRemoteUpload = errors.New("remote upload error")
	ErrRemoteDelete = errors.New("remote delete error")
	ErrLocalIO      = errors.New("local io error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ConfigError:
		return ErrConfig
	case RemoteListError:
		return ErrRemoteList
	case RemoteUploadError:
		return ErrRemoteUpload
	case RemoteDeleteError:
		return ErrRemoteDelete
	default:
		return ErrLocalIO
	}
}

func (k ErrorKind) String() string {
	return k.sentinel().Error()
}

// SyncError carries the failing operation and the backend (or os) error payload.
// errors.Is(err, ErrRemoteList) and friends match on Kind.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newSyncError(kind ErrorKind, op, path string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Path: path, Err: err}
}
