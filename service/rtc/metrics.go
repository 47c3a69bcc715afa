// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

type Metrics interface {
	IncCalls()
	DecCalls()
	IncCallErrors(errType string)
	IncSignalingMessages(sigType string)
	IncTrackSubstitutions(action string)
	IncEndpointState(role, state string)
	ObserveNegotiationTime(seconds float64)
}
