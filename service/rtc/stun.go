// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

const stunRequestTimeout = 5 * time.Second

// getPublicIP performs a single STUN binding request against the given
// server address to discover the server's publicly reachable IP, used as
// a fallback when ICEHostOverride is not explicitly configured.
func getPublicIP(stunAddr string, conn net.PacketConn) (string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", stunAddr)
	if err != nil {
		return "", fmt.Errorf("failed to resolve stun address: %w", err)
	}

	xorAddr, err := stunRequest(conn, raddr)
	if err != nil {
		return "", err
	}

	return xorAddr.IP.String(), nil
}

func stunRequest(conn net.PacketConn, raddr net.Addr) (*stun.XORMappedAddress, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to build stun message: %w", err)
	}

	if _, err := conn.WriteTo(msg.Raw, raddr); err != nil {
		return nil, fmt.Errorf("failed to send stun request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(stunRequestTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read stun response: %w", err)
	}

	return getXORMappedAddr(buf[:n])
}

func getXORMappedAddr(data []byte) (*stun.XORMappedAddress, error) {
	res := &stun.Message{Raw: data}
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("failed to decode stun message: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err != nil {
		return nil, fmt.Errorf("failed to get XOR-MAPPED-ADDRESS: %w", err)
	}

	return &xorAddr, nil
}
