// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package apperr carries the error kinds the core surfaces across package
// boundaries, so callers can classify a failure with errors.Is/errors.As
// instead of matching on message text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindNotFound means the entity (repository, deployment, ...) does not exist.
	KindNotFound Kind = iota
	// KindInvalidPayload means a job payload is missing a required field or is malformed.
	KindInvalidPayload
	// KindNoJobs is the sentinel returned by the queue when there is nothing pending.
	// Never logged as an error.
	KindNoJobs
	// KindExternalProcessFailed means a subprocess exited non-zero; Msg carries its stderr.
	KindExternalProcessFailed
	// KindEngineUnavailable means the container engine could not be reached.
	KindEngineUnavailable
	// KindStoreError means the persistence layer failed.
	KindStoreError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidPayload:
		return "InvalidPayload"
	case KindNoJobs:
		return "NoJobs"
	case KindExternalProcessFailed:
		return "ExternalProcessFailed"
	case KindEngineUnavailable:
		return "EngineUnavailable"
	case KindStoreError:
		return "StoreError"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying one of the Kind values above plus the
// underlying detail text (verbatim stderr for ExternalProcessFailed, the
// transport error for EngineUnavailable, and so on).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
