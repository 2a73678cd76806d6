// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerConfigIsValid(t *testing.T) {
	tcs := []struct {
		name string
		cfg  ServerConfig
		err  string
	}{
		{
			name: "invalid port",
			cfg: ServerConfig{
				ICEPortUDP:      22,
				UDPSocketsCount: 1,
			},
			err: "invalid ICEPortUDP value: 22 is not in allowed range [80, 49151]",
		},
		{
			name: "invalid address",
			cfg: ServerConfig{
				ICEAddressUDP:   "not an ip",
				ICEPortUDP:      8443,
				UDPSocketsCount: 1,
			},
			err: "invalid ICEAddressUDP value: invalid ICEAddress value: not an ip is not a valid IP address",
		},
		{
			name: "turn server is rejected",
			cfg: ServerConfig{
				ICEPortUDP:      8443,
				UDPSocketsCount: 1,
				ICEServers: ICEServers{
					{URLs: []string{"turn:turn.example.com:3478"}},
				},
			},
			err: `invalid ICEServers value: URL "turn:turn.example.com:3478" is not a valid STUN server (TURN is not supported)`,
		},
		{
			name: "missing sockets count",
			cfg: ServerConfig{
				ICEPortUDP: 8443,
			},
			err: "invalid UDPSocketsCount value: should be greater than 0",
		},
		{
			name: "valid",
			cfg: ServerConfig{
				ICEPortUDP:      8443,
				UDPSocketsCount: 4,
				ICEServers: ICEServers{
					{URLs: []string{"stun:stun.example.com:3478"}},
				},
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.IsValid()
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSessionConfigIsValid(t *testing.T) {
	var cfg SessionConfig
	require.Error(t, cfg.IsValid())

	cfg.ClientID = "wall-a"
	require.Error(t, cfg.IsValid())

	cfg.TransportID = "transportA"
	require.NoError(t, cfg.IsValid())
}

func TestICEServersDecode(t *testing.T) {
	t.Run("plain url list", func(t *testing.T) {
		var servers ICEServers
		err := servers.Decode(`["stun:stun.example.com:3478"]`)
		require.NoError(t, err)
		require.Equal(t, ICEServers{{URLs: []string{"stun:stun.example.com:3478"}}}, servers)
	})

	t.Run("full objects", func(t *testing.T) {
		var servers ICEServers
		err := servers.Decode(`[{"urls": ["stun:stun1.example.com:3478", "stun:stun2.example.com:3478"]}]`)
		require.NoError(t, err)
		require.Len(t, servers, 1)
		require.Len(t, servers[0].URLs, 2)
	})
}

func TestGetSTUN(t *testing.T) {
	servers := ICEServers{
		{URLs: []string{"stun:stun.example.com:3478"}},
	}
	require.Equal(t, "stun:stun.example.com:3478", servers.getSTUN())
	require.Equal(t, "stun.example.com:3478", stunAddrFromURL(servers.getSTUN()))

	require.Empty(t, ICEServers{}.getSTUN())
}
