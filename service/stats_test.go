// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/wallgrid/hub/service/wire"

	"github.com/stretchr/testify/require"
)

func TestGetStats(t *testing.T) {
	th := SetupTestHelper(t, nil)
	defer th.Teardown()

	t.Run("invalid method", func(t *testing.T) {
		resp, err := http.Post(th.apiURL+"/stats", "", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("empty roster", func(t *testing.T) {
		resp, err := http.Get(th.apiURL + "/stats")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer resp.Body.Close()
		var data map[string]interface{}
		err = json.NewDecoder(resp.Body).Decode(&data)
		require.NoError(t, err)
		require.Equal(t, float64(0), data["viewers"])
		require.Equal(t, false, data["broadcaster"])
	})

	t.Run("with a connected viewer", func(t *testing.T) {
		viewer := th.connect("")
		defer viewer.close()
		viewer.send(wire.RegisterViewer{Type: wire.TypeRegisterViewer, ClientID: "wall-a"})
		viewer.recv(wire.TypeClientConfig, nil)

		resp, err := http.Get(th.apiURL + "/stats")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer resp.Body.Close()
		var data map[string]interface{}
		err = json.NewDecoder(resp.Body).Decode(&data)
		require.NoError(t, err)
		require.Equal(t, float64(1), data["viewers"])
		require.Equal(t, float64(1), data["connected"])
	})
}
