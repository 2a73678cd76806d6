// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"os"
	"strings"
	"testing"

	"github.com/wallgrid/hub/service"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	srv *service.Service
	log *mlog.Logger

	apiURL string
	dbDir  string
	t      *testing.T
}

func SetupTestHelper(t *testing.T, cfgAlter func(*service.Config)) *TestHelper {
	t.Helper()

	th := &TestHelper{t: t}

	dbDir, err := os.MkdirTemp("", "db")
	require.NoError(t, err)
	th.dbDir = dbDir

	var cfg service.Config
	cfg.SetDefaults()
	cfg.API.HTTP.ListenAddress = ":0"
	cfg.Store.DataSource = dbDir
	cfg.Logger.EnableFile = false
	cfg.Logger.ConsoleLevel = "ERROR"

	if cfgAlter != nil {
		cfgAlter(&cfg)
	}

	th.srv, err = service.New(cfg)
	require.NoError(t, err)
	require.NoError(t, th.srv.Start())

	addr := th.srv.Addr()
	require.NotEmpty(t, addr)
	port := addr[strings.LastIndex(addr, ":"):]
	th.apiURL = "http://localhost" + port

	th.log, err = mlog.NewLogger()
	require.NoError(t, err)

	return th
}

func (th *TestHelper) Teardown() {
	th.t.Helper()
	require.NoError(th.t, th.srv.Stop())
	require.NoError(th.t, th.log.Shutdown())
	require.NoError(th.t, os.RemoveAll(th.dbDir))
}
