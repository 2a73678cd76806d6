// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType int

const (
	// OfferMessage carries an SDP offer from a viewer session to its
	// viewer.
	OfferMessage MessageType = iota + 1
	// AnswerMessage carries the viewer's SDP answer back.
	AnswerMessage
	// CandidateMessage carries an ICE candidate, in either direction.
	CandidateMessage
)

// Message is the payload exchanged between the RTC server and the
// signaling layer. Data is the JSON encoding of an SDP description or an
// ICE candidate; the server never interprets it beyond that.
type Message struct {
	TransportID string
	ClientID    string
	Type        MessageType
	Data        []byte
}

func (m Message) IsValid() error {
	if m.TransportID == "" {
		return fmt.Errorf("invalid TransportID value: should not be empty")
	}
	if m.Type < OfferMessage || m.Type > CandidateMessage {
		return fmt.Errorf("invalid Type value: %d", m.Type)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("invalid Data value: should not be empty")
	}
	return nil
}

func newSDPMessage(cfg SessionConfig, msgType MessageType, sdp *webrtc.SessionDescription) (Message, error) {
	data, err := json.Marshal(sdp)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal sdp: %w", err)
	}

	return Message{
		TransportID: cfg.TransportID,
		ClientID:    cfg.ClientID,
		Type:        msgType,
		Data:        data,
	}, nil
}

func newCandidateMessage(cfg SessionConfig, candidate *webrtc.ICECandidate) (Message, error) {
	data, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal ICE candidate: %w", err)
	}

	return Message{
		TransportID: cfg.TransportID,
		ClientID:    cfg.ClientID,
		Type:        CandidateMessage,
		Data:        data,
	}, nil
}
