// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToLogDir(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Format: "json"})

	log := ForComponent(CompProtocol)
	log.Info("frame dropped", "reason", "malformed json")

	data, err := os.ReadFile(filepath.Join(dir, "relay.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "frame dropped") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"component":"protocol"`) {
		t.Errorf("log file missing component field: %s", data)
	}
}

func TestForComponentBeforeInit(t *testing.T) {
	// Loggers created before Init must pick up the handler installed later.
	log := ForComponent(CompSession)

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "info", Format: "json"})

	log.Warn("stale load discarded")

	data, err := os.ReadFile(filepath.Join(dir, "relay.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "stale load discarded") {
		t.Errorf("pre-Init logger did not reach post-Init handler: %s", data)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn", Format: "text"})

	log := ForComponent(CompBatch)
	log.Debug("should be filtered")
	log.Warn("should appear")

	data, _ := os.ReadFile(filepath.Join(dir, "relay.log"))
	if strings.Contains(string(data), "should be filtered") {
		t.Error("debug record leaked through warn level")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Error("warn record missing")
	}
}
