// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gwerrors collects the error kinds shared across the dispatch
// engine, so the recipient state machine, the dialer contract, and the
// client handshake can map one another's failures without importing each
// other.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds enumerated by the dispatch engine.
type Kind int

const (
	BadRequest Kind = iota
	ProxyAuthenticationRequired
	RequestTimeout
	UnsupportedAddress
	ChannelInactive
	UnacceptableStatus
	UnacceptableRead
	UserCancelled
	DialFailed
	Rejected
	UnknownPolicy
	InvalidRule
	ExternalResourceFetch
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "BadRequest"
	case ProxyAuthenticationRequired:
		return "ProxyAuthenticationRequired"
	case RequestTimeout:
		return "RequestTimeout"
	case UnsupportedAddress:
		return "UnsupportedAddress"
	case ChannelInactive:
		return "ChannelInactive"
	case UnacceptableStatus:
		return "UnacceptableStatus"
	case UnacceptableRead:
		return "UnacceptableRead"
	case UserCancelled:
		return "UserCancelled"
	case DialFailed:
		return "DialFailed"
	case Rejected:
		return "Rejected"
	case UnknownPolicy:
		return "UnknownPolicy"
	case InvalidRule:
		return "InvalidRule"
	case ExternalResourceFetch:
		return "ExternalResourceFetch"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the dispatch engine. It
// pairs a Kind with an optional status code (UnacceptableStatus), cursor
// (InvalidRule), and wrapped cause.
type Error struct {
	Kind   Kind
	Status int    // set for UnacceptableStatus
	Cursor string // set for InvalidRule: e.g. a line/position descriptor
	Reason string // human-readable detail, e.g. InvalidRule's parse reason
	Cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case UnacceptableStatus:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Status)
	case InvalidRule:
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Cursor, e.Reason)
	case UnknownPolicy:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare error of the given kind.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap builds an error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

// WithStatus builds an UnacceptableStatus error carrying the HTTP status
// code the upstream proxy returned.
func WithStatus(status int) *Error { return &Error{Kind: UnacceptableStatus, Status: status} }

// WithReason builds an error of the given kind carrying a human-readable
// reason, e.g. UnknownPolicy(name) or UserCancelled("EOF during handshake").
func WithReason(kind Kind, reason string) *Error { return &Error{Kind: kind, Reason: reason} }

// InvalidRuleAt builds an InvalidRule error naming the line/position and
// the parse failure reason.
func InvalidRuleAt(cursor, reason string) *Error {
	return &Error{Kind: InvalidRule, Cursor: cursor, Reason: reason}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed. It lets callers write gwerrors.Is(err, gwerrors.Rejected).
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
