// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiwanChung/leaseq/internal/fsutil"
	"github.com/JiwanChung/leaseq/internal/model"
	"github.com/JiwanChung/leaseq/internal/observer"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

func TestHandleSnapshot_ReturnsProjectionJSON(t *testing.T) {
	root := t.TempDir()
	node := "node-a"
	require.NoError(t, fsutil.AtomicWriteJSON(
		filepath.Join(root, "inbox", node, "0001_T1_u.json"),
		model.TaskSpec{TaskID: "T1", Command: "echo hi"}))

	srv := NewServer(root, []string{node}, 20*time.Millisecond, logging.NoOpLogger{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var proj observer.Projection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proj))
	require.Len(t, proj.Tasks, 1)
	assert.Equal(t, "T1", proj.Tasks[0].TaskID)
}

func TestHandleWatch_PushesSnapshotOverWebSocket(t *testing.T) {
	root := t.TempDir()
	node := "node-a"
	require.NoError(t, fsutil.AtomicWriteJSON(
		filepath.Join(root, "inbox", node, "0001_T1_u.json"),
		model.TaskSpec{TaskID: "T1", Command: "echo hi"}))

	srv := NewServer(root, []string{node}, 20*time.Millisecond, logging.NoOpLogger{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg watchMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.Data)
	require.Len(t, msg.Data.Tasks, 1)
	assert.Equal(t, "T1", msg.Data.Tasks[0].TaskID)
}
