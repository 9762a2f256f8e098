// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

func newTestViewport() *Viewport {
	vp := NewViewport(styles.NewTheme())
	vp.SetSize(40, 10)
	return vp
}

func msgNode(id, content string) render.Node {
	return render.MessageNode(&model.Message{
		ID:      id,
		Role:    model.RoleAssistant,
		Content: content,
	})
}

func TestAppendAndUpdateNode(t *testing.T) {
	vp := newTestViewport()

	vp.Append(msgNode("m1", "hello"))
	vp.Append(msgNode("m2", "world"))
	if got := vp.NodeCount(); got != 2 {
		t.Fatalf("node count = %d, want 2", got)
	}

	vp.UpdateNode(msgNode("m1", "hello again"))
	if got := vp.NodeCount(); got != 2 {
		t.Errorf("update grew node count to %d", got)
	}

	// Updating an unknown id appends instead of vanishing.
	vp.UpdateNode(msgNode("m3", "late"))
	if got := vp.NodeCount(); got != 3 {
		t.Errorf("missing-node update: count = %d, want 3", got)
	}
}

func TestPrependBatchKeepsOrder(t *testing.T) {
	vp := newTestViewport()
	vp.Append(msgNode("new", "tail"))

	vp.PrependBatch([]render.Node{
		msgNode("old1", "first"),
		msgNode("old2", "second"),
	})

	vp.mu.Lock()
	ids := make([]string, len(vp.nodes))
	for i, n := range vp.nodes {
		ids[i] = n.ID
	}
	vp.mu.Unlock()

	want := []string{"old1", "old2", "new"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestReplacePlaceholder(t *testing.T) {
	vp := newTestViewport()
	vp.Append(render.Node{ID: "ph", Kind: render.KindPlaceholder, Text: "loading"})
	vp.Append(msgNode("m1", "tail"))

	vp.ReplacePlaceholder("ph", []render.Node{
		msgNode("h1", "old one"),
		msgNode("h2", "old two"),
	})

	if got := vp.NodeCount(); got != 3 {
		t.Fatalf("node count = %d, want 3", got)
	}

	// Missing placeholder is a no-op.
	vp.ReplacePlaceholder("gone", []render.Node{msgNode("x", "x")})
	if got := vp.NodeCount(); got != 3 {
		t.Errorf("no-op replace changed count to %d", got)
	}
}

func TestIdleCallbacksRunOnTick(t *testing.T) {
	vp := newTestViewport()

	ran := false
	vp.ScheduleIdle(func() { ran = true })
	if ran {
		t.Fatal("idle callback ran before tick")
	}

	vp.Tick()
	if !ran {
		t.Error("idle callback did not run on tick")
	}
}

func TestClearDropsPendingIdle(t *testing.T) {
	vp := newTestViewport()

	ran := false
	vp.ScheduleIdle(func() { ran = true })
	vp.Clear()
	vp.Tick()

	if ran {
		t.Error("idle callback survived Clear")
	}
}

func TestLastToolCallID(t *testing.T) {
	vp := newTestViewport()
	if id := vp.LastToolCallID(); id != "" {
		t.Fatalf("empty surface returned tool id %q", id)
	}

	vp.Append(render.Node{ID: "tool_c1", Kind: render.KindToolCall, Text: "✓ search"})
	vp.Append(msgNode("m1", "after"))
	vp.Append(render.Node{ID: "tool_c2", Kind: render.KindToolCall, Text: "▸ write"})

	if id := vp.LastToolCallID(); id != "c2" {
		t.Errorf("last tool id = %q, want c2", id)
	}
}

func TestWrapRespectsDisplayWidth(t *testing.T) {
	got := wrap("abcdefghij", 4)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 4 {
			t.Errorf("line %q exceeds width 4", line)
		}
	}

	// Wide runes count double.
	wide := wrap("ねこねこねこ", 4)
	lines := strings.Split(wide, "\n")
	if len(lines) != 3 {
		t.Errorf("wide text wrapped into %d lines, want 3", len(lines))
	}

	// Short text passes through untouched.
	if got := wrap("ok", 10); got != "ok" {
		t.Errorf("wrap(ok) = %q", got)
	}
}
