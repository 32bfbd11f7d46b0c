// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small shared test helpers used across leaseq's
// package test suites.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContext returns a test context with a generous timeout.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	assert.NoError(t, err)
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t *testing.T, err error) {
	t.Helper()
	require.NoError(t, err)
}

// AssertEqual is a helper for equality assertions.
func AssertEqual(t *testing.T, expected, actual interface{}) {
	t.Helper()
	assert.Equal(t, expected, actual)
}

// RequireEqual is a helper for equality assertions that fails immediately.
func RequireEqual(t *testing.T, expected, actual interface{}) {
	t.Helper()
	require.Equal(t, expected, actual)
}

// AssertNotNil is a helper for nil checks.
func AssertNotNil(t *testing.T, obj interface{}) {
	t.Helper()
	assert.NotNil(t, obj)
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout, interval time.Duration, cond func() bool) bool {
	t.Helper()
	return assert.Eventually(t, cond, timeout, interval)
}
