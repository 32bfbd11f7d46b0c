// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import "testing"

func TestCLI(t *testing.T) {
	if rootCmd == nil {
		t.Fatal("rootCmd is nil")
	}

	expectedCommands := []string{"submit", "cancel", "tasks", "status", "serve"}
	for _, name := range expectedCommands {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %s not found", name)
		}
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig()
	if cfg.HomeDir == "" {
		t.Error("expected a non-empty home dir")
	}
	if cfg.Version != Version {
		t.Errorf("expected version %q, got %q", Version, cfg.Version)
	}
}
