// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

// Metrics is implemented by service/perf and injected into the Server so
// that session lifecycle and media events are observable without coupling
// this package to Prometheus directly.
type Metrics interface {
	IncRTCSessions()
	DecRTCSessions()
	IncRTCConnState(state string)
	IncRTPPackets(direction, trackType string)
	AddRTPPacketBytes(direction, trackType string, value int)
	IncRTCErrors(errType string)
	IncCropperFrames(outcome string)
}
