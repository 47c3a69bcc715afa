// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestCandidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i, 50000+i),
	}
}

func TestCandidateRelay(t *testing.T) {
	t.Run("buffers until ready", func(t *testing.T) {
		var sent []Signal
		r := newCandidateRelay(RoleLocal, func(sig Signal) error {
			sent = append(sent, sig)
			return nil
		}, nil)

		for i := 0; i < 3; i++ {
			r.push(newTestCandidate(i))
		}
		require.Empty(t, sent)

		r.setReady()
		require.Len(t, sent, 3)

		r.push(newTestCandidate(3))
		require.Len(t, sent, 4)

		for i, sig := range sent {
			require.Equal(t, SignalTypeCandidate, sig.Type)
			require.Equal(t, RoleLocal, sig.From)
			require.Equal(t, newTestCandidate(i), sig.Candidate)
		}
	})

	t.Run("setReady twice", func(t *testing.T) {
		var sent int
		r := newCandidateRelay(RoleRemote, func(_ Signal) error {
			sent++
			return nil
		}, nil)

		r.push(newTestCandidate(0))
		r.setReady()
		r.setReady()
		require.Equal(t, 1, sent)
	})

	t.Run("close drops pending", func(t *testing.T) {
		var sent int
		r := newCandidateRelay(RoleLocal, func(_ Signal) error {
			sent++
			return nil
		}, nil)

		r.push(newTestCandidate(0))
		r.push(newTestCandidate(1))
		require.Equal(t, 2, r.close())

		r.setReady()
		r.push(newTestCandidate(2))
		require.Zero(t, sent)
	})

	t.Run("send errors", func(t *testing.T) {
		var errs []error
		r := newCandidateRelay(RoleLocal, func(_ Signal) error {
			return fmt.Errorf("send failed")
		}, func(err error) {
			errs = append(errs, err)
		})

		r.setReady()
		r.push(newTestCandidate(0))
		r.push(newTestCandidate(1))
		require.Len(t, errs, 2)
		require.EqualError(t, errs[0], "send failed")
	})
}
