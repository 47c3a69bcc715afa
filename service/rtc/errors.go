// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyActive     = errors.New("call already active")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrSessionClosed     = errors.New("session closed")
)

// NegotiationError reports the negotiation step that failed. It matches
// ErrNegotiationFailed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %s", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func (e *NegotiationError) Is(target error) bool {
	return target == ErrNegotiationFailed
}

func newNegotiationError(step string, err error) error {
	return &NegotiationError{Step: step, Err: err}
}
