// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/wallgrid/hub/service/wire"
	"github.com/wallgrid/hub/service/ws"

	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	srv    *Service
	cfg    Config
	apiURL string
	wsURL  string

	dbDir string
	t     *testing.T
}

func SetupTestHelper(t *testing.T, cfgAlter func(*Config)) *TestHelper {
	t.Helper()

	th := &TestHelper{t: t}

	dbDir, err := os.MkdirTemp("", "db")
	require.NoError(t, err)
	th.dbDir = dbDir

	th.cfg.SetDefaults()
	th.cfg.API.HTTP.ListenAddress = ":0"
	th.cfg.Store.DataSource = dbDir
	th.cfg.Logger.EnableFile = false
	th.cfg.Logger.ConsoleLevel = "ERROR"

	if cfgAlter != nil {
		cfgAlter(&th.cfg)
	}

	th.srv, err = New(th.cfg)
	require.NoError(t, err)
	require.NotNil(t, th.srv)

	require.NoError(t, th.srv.Start())

	addr := th.srv.apiServer.Addr()
	require.NotEmpty(t, addr)
	th.apiURL = "http://localhost" + addr[lastColon(addr):]
	th.wsURL = "ws://localhost" + addr[lastColon(addr):] + "/ws"

	return th
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (th *TestHelper) Teardown() {
	th.t.Helper()
	require.NoError(th.t, th.srv.Stop())
	require.NoError(th.t, os.RemoveAll(th.dbDir))
}

// testConn is a raw participant connection speaking the JSON wire protocol.
type testConn struct {
	t  *testing.T
	ws *ws.Client
}

func (th *TestHelper) connect(authToken string) *testConn {
	th.t.Helper()

	c, err := ws.NewClient(ws.ClientConfig{
		URL:       th.wsURL,
		AuthToken: authToken,
	})
	require.NoError(th.t, err)

	return &testConn{t: th.t, ws: c}
}

func (c *testConn) send(msg any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.Send(data))
}

// recv waits for the next message of the wanted type, skipping others.
func (c *testConn) recv(msgType string, out any) {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.ws.ReceiveCh():
			require.True(c.t, ok, "connection was closed while waiting for %s", msgType)
			mt, err := wire.TypeOf(msg.Data)
			require.NoError(c.t, err)
			if mt != msgType {
				continue
			}
			if out != nil {
				require.NoError(c.t, json.Unmarshal(msg.Data, out))
			}
			return
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s message", msgType)
		}
	}
}

// countUntil drains messages of the wanted type for the given window and
// returns how many arrived.
func (c *testConn) countUntil(msgType string, window time.Duration, onMsg func(data []byte)) int {
	c.t.Helper()
	count := 0
	deadline := time.After(window)
	for {
		select {
		case msg, ok := <-c.ws.ReceiveCh():
			if !ok {
				return count
			}
			mt, err := wire.TypeOf(msg.Data)
			require.NoError(c.t, err)
			if mt == msgType {
				count++
				if onMsg != nil {
					onMsg(msg.Data)
				}
			}
		case <-deadline:
			return count
		}
	}
}

func (c *testConn) close() {
	_ = c.ws.Close()
}
