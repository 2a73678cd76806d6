// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T, serverAddr string, opts ...ClientOption) (*Client, func()) {
	t.Helper()

	_, port, err := net.SplitHostPort(serverAddr)
	require.NoError(t, err)
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}

	cfg := ClientConfig{
		URL: u.String(),
	}
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	require.NotNil(t, c)

	closeCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case err := <-c.ErrorCh():
			require.NoError(t, err)
		case <-closeCh:
			return
		}
	}()

	closeClient := func() {
		close(closeCh)
		wg.Wait()
		err := c.Close()
		require.NoError(t, err)
	}

	return c, closeClient
}

func setupServer(t *testing.T, opts ...ServerOption) (*Server, string, func()) {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, log)

	cfg := ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    time.Second,
		SendQueueSize:   256,
	}

	s, err := NewServer(cfg, log, opts...)
	require.NoError(t, err)
	require.NotNil(t, s)

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	require.NotNil(t, listener)
	go func() {
		_ = http.Serve(listener, s)
	}()

	return s, listener.Addr().String(), func() {
		s.Close()
		listener.Close()
		err := log.Shutdown()
		require.NoError(t, err)
	}
}

func TestNewServer(t *testing.T) {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	defer func() {
		err := log.Shutdown()
		require.NoError(t, err)
	}()

	t.Run("empty config", func(t *testing.T) {
		s, err := NewServer(ServerConfig{}, log)
		require.Error(t, err)
		require.Nil(t, s)
	})

	t.Run("valid config", func(t *testing.T) {
		cfg := ServerConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    time.Second,
			SendQueueSize:   256,
		}
		s, err := NewServer(cfg, log)
		require.NoError(t, err)
		require.NotNil(t, s)
	})
}

func TestOpenCloseMessages(t *testing.T) {
	s, addr, teardown := setupServer(t)
	defer teardown()

	c, closeClient := setupClient(t, addr)
	require.NotNil(t, c)

	msg, ok := <-s.ReceiveCh()
	require.True(t, ok)
	require.Equal(t, OpenMessage, msg.Type)
	require.NotEmpty(t, msg.ConnID)
	require.False(t, msg.Authed)

	connID := msg.ConnID

	closeClient()

	msg, ok = <-s.ReceiveCh()
	require.True(t, ok)
	require.Equal(t, CloseMessage, msg.Type)
	require.Equal(t, connID, msg.ConnID)
}

func TestAuthCb(t *testing.T) {
	authCb := func(w http.ResponseWriter, r *http.Request) (bool, error) {
		return r.Header.Get("Authorization") == "Bearer secret", nil
	}

	s, addr, teardown := setupServer(t, WithAuthCb(authCb))
	defer teardown()

	t.Run("unauthenticated", func(t *testing.T) {
		_, closeClient := setupClient(t, addr)
		defer closeClient()

		msg, ok := <-s.ReceiveCh()
		require.True(t, ok)
		require.Equal(t, OpenMessage, msg.Type)
		require.False(t, msg.Authed)
	})

	t.Run("authenticated", func(t *testing.T) {
		_, port, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}

		c, err := NewClient(ClientConfig{URL: u.String(), AuthToken: "secret"})
		require.NoError(t, err)
		defer c.Close()

		msg, ok := <-s.ReceiveCh()
		require.True(t, ok)
		require.Equal(t, OpenMessage, msg.Type)
		require.True(t, msg.Authed)
	})
}

func TestSendReceive(t *testing.T) {
	s, addr, teardown := setupServer(t)
	defer teardown()

	c, closeClient := setupClient(t, addr)
	defer closeClient()

	msg := <-s.ReceiveCh()
	require.Equal(t, OpenMessage, msg.Type)
	connID := msg.ConnID

	t.Run("client to server", func(t *testing.T) {
		err := c.Send([]byte(`{"type":"test"}`))
		require.NoError(t, err)

		msg := <-s.ReceiveCh()
		require.Equal(t, TextMessage, msg.Type)
		require.Equal(t, connID, msg.ConnID)
		require.Equal(t, []byte(`{"type":"test"}`), msg.Data)
	})

	t.Run("server to client", func(t *testing.T) {
		err := s.Send(Message{
			ConnID: connID,
			Type:   TextMessage,
			Data:   []byte(`{"type":"reply"}`),
		})
		require.NoError(t, err)

		msg := <-c.ReceiveCh()
		require.Equal(t, TextMessage, msg.Type)
		require.Equal(t, []byte(`{"type":"reply"}`), msg.Data)
	})

	t.Run("unknown conn", func(t *testing.T) {
		err := s.Send(Message{
			ConnID: "unknownConnID",
			Type:   TextMessage,
			Data:   []byte(`{}`),
		})
		require.Error(t, err)
	})
}

func TestSendOrdering(t *testing.T) {
	s, addr, teardown := setupServer(t)
	defer teardown()

	c, closeClient := setupClient(t, addr)
	defer closeClient()

	msg := <-s.ReceiveCh()
	require.Equal(t, OpenMessage, msg.Type)
	connID := msg.ConnID

	const n = 100
	for i := 0; i < n; i++ {
		err := s.Send(Message{
			ConnID: connID,
			Type:   TextMessage,
			Data:   []byte{byte(i)},
		})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		msg := <-c.ReceiveCh()
		require.Equal(t, TextMessage, msg.Type)
		require.Equal(t, []byte{byte(i)}, msg.Data)
	}
}

func TestCloseConn(t *testing.T) {
	s, addr, teardown := setupServer(t)
	defer teardown()

	c, err := NewClient(ClientConfig{URL: "ws://" + addr + "/ws"})
	require.NoError(t, err)
	defer c.Close()

	msg := <-s.ReceiveCh()
	require.Equal(t, OpenMessage, msg.Type)

	err = s.CloseConn(msg.ConnID)
	require.NoError(t, err)

	msg, ok := <-s.ReceiveCh()
	require.True(t, ok)
	require.Equal(t, CloseMessage, msg.Type)
}
