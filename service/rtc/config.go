// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// ServerConfig configures the broadcaster-side RTC server: the shared UDP
// mux used by every Viewer Session's ICE agent.
type ServerConfig struct {
	// ICEAddressUDP specifies the UDP address the RTC service should listen on.
	ICEAddressUDP ICEAddress `toml:"ice_address_udp"`
	// ICEPortUDP specifies the UDP port the RTC service should listen to.
	ICEPortUDP int `toml:"ice_port_udp"`
	// ICEHostOverride optionally specifies an IP address (or hostname)
	// to be used as the main host ICE candidate.
	ICEHostOverride string `toml:"ice_host_override"`
	// ICEServers is a list of STUN server configurations to use for
	// reflexive candidate gathering. TURN is explicitly out of scope.
	ICEServers ICEServers `toml:"ice_servers"`
	// UDPSocketsCount controls the number of listening UDP sockets. A larger
	// number reduces contention over a few file descriptors at the cost of
	// more open file descriptors.
	UDPSocketsCount int `toml:"udp_sockets_count"`
}

func (c ServerConfig) IsValid() error {
	if err := c.ICEAddressUDP.IsValid(); err != nil {
		return fmt.Errorf("invalid ICEAddressUDP value: %w", err)
	}

	if c.ICEPortUDP < 80 || c.ICEPortUDP > 49151 {
		return fmt.Errorf("invalid ICEPortUDP value: %d is not in allowed range [80, 49151]", c.ICEPortUDP)
	}

	if err := c.ICEServers.IsValid(); err != nil {
		return fmt.Errorf("invalid ICEServers value: %w", err)
	}

	if c.UDPSocketsCount <= 0 {
		return fmt.Errorf("invalid UDPSocketsCount value: should be greater than 0")
	}

	return nil
}

// SessionConfig identifies the viewer a Session is negotiating for.
type SessionConfig struct {
	// ClientID is the stable, operator-visible identity of the viewer.
	ClientID string
	// TransportID is the ephemeral event-hub connection this session is
	// currently bound to.
	TransportID string
}

func (c SessionConfig) IsValid() error {
	if c.ClientID == "" {
		return fmt.Errorf("invalid ClientID value: should not be empty")
	}
	if c.TransportID == "" {
		return fmt.Errorf("invalid TransportID value: should not be empty")
	}
	return nil
}

type ICEServerConfig struct {
	URLs []string `toml:"urls" json:"urls"`
}

type ICEServers []ICEServerConfig

func (c ICEServerConfig) IsValid() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid empty URLs")
	}
	for _, u := range c.URLs {
		if u == "" {
			return fmt.Errorf("invalid empty URL")
		}
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("URL %q is not a valid STUN server (TURN is not supported)", u)
		}
	}
	return nil
}

func (s ICEServers) IsValid() error {
	for _, cfg := range s {
		if err := cfg.IsValid(); err != nil {
			return err
		}
	}
	return nil
}

func (s ICEServers) getSTUN() string {
	for _, cfg := range s {
		for _, u := range cfg.URLs {
			if strings.HasPrefix(u, "stun:") {
				return u
			}
		}
	}
	return ""
}

func (s *ICEServers) Decode(value string) error {
	var urls []string
	if err := json.Unmarshal([]byte(value), &urls); err == nil {
		*s = ICEServers{{URLs: urls}}
		return nil
	}
	return json.Unmarshal([]byte(value), s)
}

func (s *ICEServers) UnmarshalTOML(data interface{}) error {
	d, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("invalid type %T", data)
	}

	var servers []ICEServerConfig
	for _, obj := range d {
		switch t := obj.(type) {
		case string:
			servers = append(servers, ICEServerConfig{URLs: []string{t}})
		case map[string]interface{}:
			urls, _ := t["urls"].([]interface{})
			var server ICEServerConfig
			for _, u := range urls {
				if uVal, ok := u.(string); ok {
					server.URLs = append(server.URLs, uVal)
				}
			}
			servers = append(servers, server)
		default:
			return fmt.Errorf("unknown type %T", t)
		}
	}

	*s = servers
	return nil
}

type ICEAddress string

func (a ICEAddress) Parse() []string {
	if a == "" {
		return nil
	}
	var addrs []string
	for _, addr := range strings.Split(string(a), ",") {
		addrs = append(addrs, strings.TrimSpace(addr))
	}
	return addrs
}

func (a ICEAddress) IsValid() error {
	if a == "" {
		return nil
	}
	for _, addr := range a.Parse() {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("invalid ICEAddress value: %s is not a valid IP address", addr)
		}
	}
	return nil
}
