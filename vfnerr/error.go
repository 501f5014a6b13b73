/*
 * Copyright 2026 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package vfnerr defines the structured error kinds shared by iova, iommu
// and nvme. Most fallible operations in this module return an *Error whose
// Kind callers can test with errors.Is against the exported sentinels
// below; Close methods and the non-Linux backend stubs can return raw
// errno values instead.
package vfnerr

import "fmt"

// Kind classifies a failure the way the caller needs to react to it, not the
// layer that produced it.
type Kind int

const (
	// Invalid means the caller violated a precondition (zero length,
	// unaligned length, unknown option).
	Invalid Kind = iota
	// NotFound means a lookup found nothing. Non-fatal for idempotent unmap.
	NotFound
	// Exists means an insertion would overlap an existing entry.
	Exists
	// NoSpace means no IOVA range could satisfy the request. (An empty
	// request-slot pool is reported as Busy.)
	NoSpace
	// Busy means the call would block but the caller asked not to.
	Busy
	// Timeout means a wait deadline passed.
	Timeout
	// BackendError means a backend ioctl failed; the errno is preserved as
	// the wrapped cause.
	BackendError
	// DeviceError means a CQE carried a non-zero status; the 15-bit status
	// field is preserved in StatusField.
	DeviceError
	// Unsupported means the backend lacks a requested capability.
	Unsupported
	// TooLarge means a transfer needs more PRP list entries than the
	// slot's preallocated scratch buffer holds.
	TooLarge
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case NotFound:
		return "not found"
	case Exists:
		return "exists"
	case NoSpace:
		return "no space"
	case Busy:
		return "busy"
	case Timeout:
		return "timeout"
	case BackendError:
		return "backend error"
	case DeviceError:
		return "device error"
	case Unsupported:
		return "unsupported"
	case TooLarge:
		return "too large"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's public API.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "iova.Index.Insert".
	Op string
	// Msg is a short human-readable detail, may be empty.
	Msg string
	// StatusField carries the 15-bit NVMe status field for DeviceError.
	StatusField uint16
	// Cause is the underlying error (errno, etc.), may be nil.
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %s", e.Op, e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, vfnerr.Sentinel(k)) match any *Error whose Kind is
// k. A bare Kind is not an error value and cannot be used as the target.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

// kindSentinel lets the exported Sentinel() values participate in errors.Is
// without exposing Kind itself as an error type.
type kindSentinel Kind

func (k kindSentinel) Error() string { return Kind(k).String() }

// Sentinel returns an error value suitable for errors.Is(err, vfnerr.Sentinel(k)).
func Sentinel(k Kind) error { return kindSentinel(k) }

// New builds an *Error for the given operation and kind.
func New(op string, k Kind, msg string) *Error {
	return &Error{Op: op, Kind: k, Msg: msg}
}

// Wrap builds an *Error that preserves cause as the wrapped error.
func Wrap(op string, k Kind, cause error) *Error {
	return &Error{Op: op, Kind: k, Cause: cause}
}

// WrapDevice builds a DeviceError carrying the raw 15-bit status field.
func WrapDevice(op string, status uint16) *Error {
	return &Error{Op: op, Kind: DeviceError, StatusField: status}
}
