/*
 * MailFunnel - Copyright (C) 2023 The MailFunnel Authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package fault defines the error taxonomy shared by the fetch and deliver
// sides of the bridge. Callers branch on the kind to decide whether a failure
// is terminal; the wrapped cause is kept for logging.
package fault

import (
	"errors"
	"fmt"
)

// FetchKind classifies failures on the IMAP side.
type FetchKind int

const (
	FetchTimeout FetchKind = iota
	FetchAuthentication
	FetchFeatureUnsupported
	FetchUnexpectedResponse
	FetchInconsistentResponse
	FetchCommandFailed
	FetchAbort
	FetchState
)

func (k FetchKind) String() string {
	switch k {
	case FetchTimeout:
		return "timeout"
	case FetchAuthentication:
		return "authentication"
	case FetchFeatureUnsupported:
		return "feature_unsupported"
	case FetchUnexpectedResponse:
		return "unexpected_response"
	case FetchInconsistentResponse:
		return "inconsistent_response"
	case FetchCommandFailed:
		return "command_failed"
	case FetchAbort:
		return "abort"
	case FetchState:
		return "state"
	default:
		return "unknown"
	}
}

// DeliverKind classifies failures on the LMTP side.
type DeliverKind int

const (
	DeliverConnect DeliverKind = iota
	DeliverCommandFailed
	DeliverRecipientRefused
	DeliverState
)

func (k DeliverKind) String() string {
	switch k {
	case DeliverConnect:
		return "connect"
	case DeliverCommandFailed:
		return "command_failed"
	case DeliverRecipientRefused:
		return "recipient_refused"
	case DeliverState:
		return "state"
	default:
		return "unknown"
	}
}

type FetchError struct {
	Kind FetchKind
	Op   string
	Msg  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) bridgeError() {}

type DeliverError struct {
	Kind DeliverKind
	Op   string
	Msg  string
	Err  error
}

func (e *DeliverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("deliver %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *DeliverError) Unwrap() error { return e.Err }

func (e *DeliverError) bridgeError() {}

// Error is the root category for everything the bridge raises itself.
type Error interface {
	error
	bridgeError()
}

func Fetchf(kind FetchKind, op, format string, args ...interface{}) *FetchError {
	return &FetchError{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func FetchWrap(kind FetchKind, op string, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: err}
}

func Deliverf(kind DeliverKind, op, format string, args ...interface{}) *DeliverError {
	return &DeliverError{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func DeliverWrap(kind DeliverKind, op string, err error) *DeliverError {
	return &DeliverError{Kind: kind, Op: op, Err: err}
}

// IsFetch reports whether err is a fetch-side error of the given kind.
func IsFetch(err error, kind FetchKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// IsDeliver reports whether err is a deliver-side error of the given kind.
func IsDeliver(err error, kind DeliverKind) bool {
	var de *DeliverError
	return errors.As(err, &de) && de.Kind == kind
}

func IsFetchSide(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

func IsDeliverSide(err error) bool {
	var de *DeliverError
	return errors.As(err, &de)
}
