// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relay-tui/internal/bus"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/retry"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSurface struct {
	mu    sync.Mutex
	nodes []render.Node
	idle  []func()
}

func (s *fakeSurface) Append(n render.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, n)
}

func (s *fakeSurface) PrependBatch(ns []render.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(append([]render.Node(nil), ns...), s.nodes...)
}

func (s *fakeSurface) ReplacePlaceholder(id string, ns []render.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.nodes {
		if n.Kind == render.KindPlaceholder && n.ID == id {
			out := append([]render.Node(nil), s.nodes[:i]...)
			out = append(out, ns...)
			out = append(out, s.nodes[i+1:]...)
			s.nodes = out
			return
		}
	}
}

func (s *fakeSurface) UpdateNode(n render.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if s.nodes[i].ID == n.ID {
			s.nodes[i] = n
			return
		}
	}
	s.nodes = append(s.nodes, n)
}

func (s *fakeSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
}

func (s *fakeSurface) ScrollTop() int    { return 0 }
func (s *fakeSurface) ScrollHeight() int { return 0 }
func (s *fakeSurface) ViewHeight() int   { return 0 }
func (s *fakeSurface) ScrollToBottom()   {}

func (s *fakeSurface) ScheduleIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = append(s.idle, fn)
}

func (s *fakeSurface) runIdle() {
	s.mu.Lock()
	fns := s.idle
	s.idle = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSurface) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.ID
	}
	return out
}

// gateSurface blocks inside the first PrependBatch so tests can interleave a
// concurrent switch with an in-flight history prepend.
type gateSurface struct {
	fakeSurface
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateSurface) PrependBatch(ns []render.Node) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	s.fakeSurface.PrependBatch(ns)
}

type loadCall struct {
	id     string
	offset int
}

type fakeBus struct {
	mu        sync.Mutex
	switches  map[string]*bus.SwitchResult
	loadMore  func(id string, offset, limit int) (*bus.Chunk, error)
	loadCalls []loadCall
}

func (b *fakeBus) Switch(_ context.Context, id string, _ int) (*bus.SwitchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.switches[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return res, nil
}

func (b *fakeBus) LoadMore(_ context.Context, id string, offset, limit int) (*bus.Chunk, error) {
	b.mu.Lock()
	b.loadCalls = append(b.loadCalls, loadCall{id: id, offset: offset})
	fn := b.loadMore
	b.mu.Unlock()
	if fn == nil {
		return &bus.Chunk{}, nil
	}
	return fn(id, offset, limit)
}

func (b *fakeBus) calls() []loadCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]loadCall(nil), b.loadCalls...)
}

func (b *fakeBus) List(context.Context) ([]model.SessionMeta, error) { return nil, nil }
func (b *fakeBus) New(context.Context, string, model.CreateReason) (*model.Session, error) {
	return nil, nil
}
func (b *fakeBus) Delete(context.Context, string) error          { return nil }
func (b *fakeBus) Rename(context.Context, string, string) error  { return nil }
func (b *fakeBus) Summarize(context.Context, string) (string, error) {
	return "", nil
}
func (b *fakeBus) Clear(context.Context, string) error { return nil }

// =============================================================================
// HELPERS
// =============================================================================

func testMessages(sid string, from, to int) []model.Message {
	var msgs []model.Message
	for i := from; i < to; i++ {
		msgs = append(msgs, model.Message{
			ID:        fmt.Sprintf("%s_m%03d", sid, i),
			SessionID: sid,
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
		})
	}
	return msgs
}

func testConfig() Config {
	return Config{
		PageSize:   10,
		RecentTail: 20,
		Throttle:   time.Millisecond,
		Retry:      retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestSwitchRendersTailAndDefersPrefix(t *testing.T) {
	msgs := testMessages("a", 0, 30)
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    msgs,
			HasMore:     false,
			LoadedCount: 30,
			TotalCount:  30,
		},
	}}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	res, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 30, res.TotalCount)
	require.Equal(t, "a", c.CurrentSessionID())

	// Before the idle pass: placeholder on top, the 20 newest below it.
	ids := fs.ids()
	require.Len(t, ids, 21)
	require.Equal(t, "history_a", ids[0])
	require.Equal(t, "a_m010", ids[1])
	require.Equal(t, "a_m029", ids[20])

	fs.runIdle()
	ids = fs.ids()
	require.Len(t, ids, 30)
	require.Equal(t, "a_m000", ids[0])
	require.Equal(t, "a_m029", ids[29])
}

func TestSwitchSmallSessionRendersInline(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 0, 5),
			LoadedCount: 5,
			TotalCount:  5,
		},
	}}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, fs.ids(), 5)
	require.Empty(t, fs.idle)
	require.False(t, c.Syncing())
}

func TestSwitchToCurrentIsRejected(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {Session: model.Session{ID: "a"}},
	}}
	c := New(fb, &fakeSurface{}, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)

	_, err = c.SwitchSession(context.Background(), "a")
	require.ErrorIs(t, err, ErrAlreadyCurrent)
}

func TestSwitchFailureLeavesCurrentUnchanged(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{}}
	c := New(fb, &fakeSurface{}, testConfig())

	_, err := c.SwitchSession(context.Background(), "missing")
	require.Error(t, err)
	require.Empty(t, c.CurrentSessionID())
}

func TestPaginationPrependsOlderHistory(t *testing.T) {
	// 40 messages total; the initial window holds the newest 10.
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 30, 40),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  40,
		},
	}}
	fb.loadMore = func(id string, offset, limit int) (*bus.Chunk, error) {
		end := 40 - offset
		start := end - limit
		if start < 0 {
			start = 0
		}
		return &bus.Chunk{
			Messages: testMessages(id, start, end),
			HasMore:  start > 0,
			Offset:   offset,
		}, nil
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	c.Wait()

	ids := fs.ids()
	require.Len(t, ids, 40)
	require.Equal(t, "a_m000", ids[0])
	require.Equal(t, "a_m039", ids[39])
	require.False(t, c.Syncing())

	loaded, total := c.Progress()
	require.Equal(t, 40, loaded)
	require.Equal(t, 40, total)

	// Offsets walk backward from the initial window: 10, 20, 30.
	calls := fb.calls()
	require.Len(t, calls, 3)
	require.Equal(t, 10, calls[0].offset)
	require.Equal(t, 20, calls[1].offset)
	require.Equal(t, 30, calls[2].offset)
}

func TestPaginationRetriesTransientThenAppliesOnce(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 10, 20),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  20,
		},
	}}
	var attempts int
	fb.loadMore = func(id string, offset, limit int) (*bus.Chunk, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("connection reset")
		}
		return &bus.Chunk{Messages: testMessages(id, 0, 10), HasMore: false}, nil
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	c.Wait()

	require.Equal(t, 3, attempts)
	ids := fs.ids()
	require.Len(t, ids, 20)
	require.Equal(t, "a_m000", ids[0])
	require.Equal(t, "a_m019", ids[19])
}

func TestPaginationPermanentErrorAborts(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 10, 20),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  20,
		},
	}}
	fb.loadMore = func(string, int, int) (*bus.Chunk, error) {
		return nil, errors.New("session not found: a")
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	c.Wait()

	require.Len(t, fb.calls(), 1)
	require.Len(t, fs.ids(), 10)
	require.False(t, c.Syncing())
}

func TestStaleChunkNeverTouchesNewSession(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 10, 20),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  20,
		},
		"b": {
			Session:     model.Session{ID: "b"},
			Messages:    testMessages("b", 0, 5),
			LoadedCount: 5,
			TotalCount:  5,
		},
	}}
	fb.loadMore = func(id string, _, _ int) (*bus.Chunk, error) {
		<-release
		return &bus.Chunk{Messages: testMessages(id, 0, 10), HasMore: false}, nil
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)

	// User moves on while session a's history is still in flight.
	_, err = c.SwitchSession(context.Background(), "b")
	require.NoError(t, err)
	close(release)
	c.Wait()

	require.Equal(t, "b", c.CurrentSessionID())
	for _, id := range fs.ids() {
		require.NotContains(t, id, "a_m", "stale history leaked onto the surface")
	}
	require.Len(t, fs.ids(), 5)
}

func TestPaginationOutlivesCallerContext(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 30, 40),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  40,
		},
	}}
	fb.loadMore = func(id string, offset, limit int) (*bus.Chunk, error) {
		end := 40 - offset
		start := end - limit
		if start < 0 {
			start = 0
		}
		return &bus.Chunk{
			Messages: testMessages(id, start, end),
			HasMore:  start > 0,
			Offset:   offset,
		}, nil
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.SwitchSession(ctx, "a")
	require.NoError(t, err)

	// The command context ends the moment the switch returns, the way a UI
	// command's deadline does. Background loading must keep going anyway.
	cancel()
	c.Wait()

	ids := fs.ids()
	require.Len(t, ids, 40)
	require.Equal(t, "a_m000", ids[0])
	require.False(t, c.Syncing())
}

func TestCloseStopsPagination(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 10, 20),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  100,
		},
	}}
	fb.loadMore = func(id string, offset, limit int) (*bus.Chunk, error) {
		once.Do(func() { close(started) })
		return &bus.Chunk{Messages: testMessages(id, 0, 10), HasMore: true}, nil
	}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	<-started

	// Close must cancel the loop and return once it has drained.
	c.Close()
}

func TestSwitchDuringPrependKeepsViewAtomic(t *testing.T) {
	gs := &gateSurface{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 10, 20),
			HasMore:     true,
			LoadedCount: 10,
			TotalCount:  20,
		},
		"b": {
			Session:     model.Session{ID: "b"},
			Messages:    testMessages("b", 0, 5),
			LoadedCount: 5,
			TotalCount:  5,
		},
	}}
	fb.loadMore = func(id string, _, _ int) (*bus.Chunk, error) {
		return &bus.Chunk{Messages: testMessages(id, 0, 10), HasMore: false}, nil
	}
	c := New(fb, gs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)
	<-gs.entered

	// Switch to b while a's chunk is mid-prepend. The switch must not land
	// between a's staleness check and its surface write.
	done := make(chan struct{})
	var switchErr error
	go func() {
		_, switchErr = c.SwitchSession(context.Background(), "b")
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	close(gs.release)
	<-done
	c.Wait()

	require.NoError(t, switchErr)
	require.Equal(t, "b", c.CurrentSessionID())
	ids := gs.ids()
	require.Len(t, ids, 5)
	for _, id := range ids {
		require.NotContains(t, id, "a_m", "old history drawn over the new session")
	}
}

func TestDeferredPrefixSkippedAfterSwitch(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{
		"a": {
			Session:     model.Session{ID: "a"},
			Messages:    testMessages("a", 0, 30),
			LoadedCount: 30,
			TotalCount:  30,
		},
		"b": {
			Session:     model.Session{ID: "b"},
			Messages:    testMessages("b", 0, 3),
			LoadedCount: 3,
			TotalCount:  3,
		},
	}}
	fs := &fakeSurface{}
	c := New(fb, fs, testConfig())

	_, err := c.SwitchSession(context.Background(), "a")
	require.NoError(t, err)

	// Switch away before the idle pass runs; the deferred prefix for a must
	// not draw over b's view.
	_, err = c.SwitchSession(context.Background(), "b")
	require.NoError(t, err)
	fs.runIdle()

	require.Len(t, fs.ids(), 3)
}

func TestIsPermanentError(t *testing.T) {
	require.False(t, IsPermanentError(nil))
	require.False(t, IsPermanentError(errors.New("connection reset by peer")))
	require.True(t, IsPermanentError(errors.New("session not found: x")))
	require.True(t, IsPermanentError(errors.New("invalid offset")))
	require.True(t, IsPermanentError(errors.New("session does not exist")))
}

func TestAdoptSetsCurrentWithoutFetch(t *testing.T) {
	fb := &fakeBus{switches: map[string]*bus.SwitchResult{}}
	c := New(fb, &fakeSurface{}, testConfig())

	c.Adopt(model.Session{ID: "fresh", Reason: model.ReasonFirstMessage})
	require.Equal(t, "fresh", c.CurrentSessionID())
	require.False(t, c.Syncing())
	require.Empty(t, fb.calls())
}
