// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLease(t *testing.T) {
	tests := []struct {
		name     string
		leaseID  string
		wantKind LeaseKind
		wantHost string
		wantJob  string
	}{
		{
			name:     "local lease",
			leaseID:  "local:devbox",
			wantKind: LeaseKindLocal,
			wantHost: "devbox",
		},
		{
			name:     "batch lease",
			leaseID:  "8821349",
			wantKind: LeaseKindBatch,
			wantJob:  "8821349",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := ParseLease(tt.leaseID)
			assert.Equal(t, tt.leaseID, lease.ID)
			assert.Equal(t, tt.wantKind, lease.Kind)
			assert.Equal(t, tt.wantHost, lease.Host)
			assert.Equal(t, tt.wantJob, lease.Job)
		})
	}
}

func TestLease_IsLocal(t *testing.T) {
	assert.True(t, ParseLease("local:devbox").IsLocal())
	assert.False(t, ParseLease("8821349").IsLocal())
}

func TestTaskSpec_JSONRoundTrip(t *testing.T) {
	spec := TaskSpec{
		TaskID:         "T1a2b3c",
		IdempotencyKey: "local:devbox-devbox-1700000000000000",
		LeaseID:        "local:devbox",
		TargetNode:     "devbox",
		Seq:            1700000000000000,
		UUID:           "11111111-1111-1111-1111-111111111111",
		CreatedAt:      1700000000,
		Cwd:            "/home/user",
		Env:            map[string]string{"PATH": "/usr/bin"},
		Command:        "echo hello",
		GPUs:           0,
	}

	raw, err := json.Marshal(spec)
	require.NoError(t, err)

	var decoded TaskSpec
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, spec, decoded)
}

func TestTaskResult_JSONRoundTrip(t *testing.T) {
	result := TaskResult{
		TaskID:         "T1a2b3c",
		IdempotencyKey: "local:devbox-devbox-1700000000000000",
		Command:        "echo hello",
		GPUsRequested:  0,
		Node:           "devbox",
		StartedAt:      1700000000,
		FinishedAt:     1700000001,
		RuntimeS:       1.25,
		ExitCode:       0,
		Stdout:         "logs/T1a2b3c.out",
		Stderr:         "logs/T1a2b3c.err",
		GPUsAssigned:   "",
	}

	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded TaskResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, result, decoded)
}

func TestHeartbeat_JSONRoundTrip(t *testing.T) {
	hb := Heartbeat{
		Node:            "devbox",
		Ts:              1700000000,
		RunningTaskID:   "T1a2b3c",
		PendingEstimate: 3,
		RunnerPID:       4242,
		Version:         "dev",
	}

	raw, err := json.Marshal(hb)
	require.NoError(t, err)

	var decoded Heartbeat
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, hb, decoded)
}

func TestCancelCommand_JSONRoundTrip(t *testing.T) {
	cmd := CancelCommand{
		TaskID:      "T1a2b3c",
		RequestedAt: 1700000000,
	}

	raw, err := json.Marshal(cmd)
	require.NoError(t, err)

	var decoded CancelCommand
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, cmd, decoded)
}
