// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session synchronizes the render surface with the bot's session
// registry.
//
// Switching sessions renders the recent tail immediately and streams the
// rest of the history in from the top: a background loop pages backward
// through the bus, retrying transient failures with exponential backoff and
// prepending each chunk above what is already shown. The loop carries the
// session id it was started for and re-checks it after every suspension
// point, so a user who switches away mid-load never sees stale history
// bleed into the new session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/relay-tui/internal/bus"
	"github.com/jeranaias/relay-tui/internal/logging"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/retry"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPageSize is messages per pagination request.
	DefaultPageSize = 50

	// DefaultRecentTail is how many trailing messages render synchronously
	// on switch; anything older goes through the deferred-idle path.
	DefaultRecentTail = 20

	// DefaultThrottle spaces successive pagination loads so a long history
	// cannot monopolize the bus.
	DefaultThrottle = 100 * time.Millisecond
)

// ErrAlreadyCurrent is returned when a switch targets the session that is
// already shown. Callers treat it as a no-op, not a failure.
var ErrAlreadyCurrent = errors.New("session already current")

// =============================================================================
// CONTROLLER
// =============================================================================

// Config parameterizes a Controller. Zero fields take defaults.
type Config struct {
	PageSize   int
	RecentTail int
	Throttle   time.Duration
	Retry      retry.Config
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RecentTail <= 0 {
		c.RecentTail = DefaultRecentTail
	}
	if c.Throttle <= 0 {
		c.Throttle = DefaultThrottle
	}
	if c.Retry.IsPermanent == nil {
		c.Retry.IsPermanent = IsPermanentError
	}
	return c
}

// Controller owns the current-session pointer and keeps the surface in sync
// with it.
type Controller struct {
	mu      sync.Mutex
	current string
	loaded  int
	total   int
	hasMore bool
	syncing bool

	// renderMu serializes surface mutations with the staleness checks that
	// guard them, so a concurrent switch can never slip between a check and
	// the mutation it validated. Lock order: renderMu before mu.
	renderMu sync.Mutex

	bus     bus.Bus
	surface render.Surface
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger

	// ctx outlives any single switch request: background pagination keeps
	// loading after the caller's command context is done, until Close.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the background pagination loop so Close and tests can wait
	// for it to drain.
	wg sync.WaitGroup
}

// New creates a controller over the given bus and surface.
func New(b bus.Bus, s render.Surface, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		bus:     b,
		surface: s,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Throttle), 1),
		log:     logging.ForComponent(logging.CompSession),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops background pagination and waits for it to exit.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// IsPermanentError reports whether err can never succeed on retry. Bus
// transports surface these as text, so classification is by phrase.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"not found", "invalid", "does not exist"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// =============================================================================
// SWITCHING
// =============================================================================

// SwitchSession makes id the current session and renders its history.
//
// The recent tail renders synchronously; if the session holds more, a
// placeholder marks the gap, older messages within the initial window fill
// in on the next idle period, and a background loop pages the rest of the
// history in above them. ctx covers only the initial switch request; the
// pagination loop runs on the controller's own context so it survives the
// caller's command timeout. The current-session pointer is updated before
// any rendering so concurrent loops observe the change immediately.
func (c *Controller) SwitchSession(ctx context.Context, id string) (*bus.SwitchResult, error) {
	c.mu.Lock()
	if c.current == id {
		c.mu.Unlock()
		return nil, ErrAlreadyCurrent
	}
	c.mu.Unlock()

	res, err := c.bus.Switch(ctx, id, c.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("switch session: %w", err)
	}

	c.renderMu.Lock()
	c.mu.Lock()
	c.current = id
	c.loaded = res.LoadedCount
	c.total = res.TotalCount
	c.hasMore = res.HasMore
	c.syncing = res.HasMore
	c.mu.Unlock()

	c.renderInitial(id, res.Messages)
	c.renderMu.Unlock()

	if res.HasMore {
		c.wg.Add(1)
		go c.paginate(id, res.LoadedCount)
	}

	c.log.Info("session switched",
		"session_id", id,
		"loaded", res.LoadedCount,
		"total", res.TotalCount,
		"has_more", res.HasMore)
	return res, nil
}

// renderInitial clears the surface and draws the initial window; the caller
// holds renderMu. Only the trailing RecentTail messages render inline. The older remainder of the
// window is deferred to an idle callback that re-validates the session id
// before touching the surface.
func (c *Controller) renderInitial(id string, msgs []model.Message) {
	c.surface.Clear()

	tail := msgs
	var prefix []model.Message
	if len(msgs) > c.cfg.RecentTail {
		prefix = msgs[:len(msgs)-c.cfg.RecentTail]
		tail = msgs[len(msgs)-c.cfg.RecentTail:]
	}

	if len(prefix) > 0 {
		pid := "history_" + id
		c.surface.Append(render.Node{
			ID:   pid,
			Kind: render.KindPlaceholder,
			Text: "Loading earlier messages...",
		})
		c.surface.ScheduleIdle(func() {
			c.renderMu.Lock()
			defer c.renderMu.Unlock()
			if c.CurrentSessionID() != id {
				return
			}
			c.surface.ReplacePlaceholder(pid, render.MessageNodes(prefix))
		})
	}

	for _, n := range render.MessageNodes(tail) {
		c.surface.Append(n)
	}
	c.surface.ScrollToBottom()
}

// =============================================================================
// BACKGROUND PAGINATION
// =============================================================================

// paginate pages the rest of sid's history in above the loaded window. The
// offset counts messages already held from the tail, so each chunk lands
// exactly where the previous window begins.
//
// RELIABILITY: sid is the loop's staleness token. Every bus response, retry
// exit, and throttle wake re-checks it against the current session; a
// mismatch means the user has moved on and the loop exits without touching
// the surface. The loop runs on the controller's context, not the switch
// request's, so it keeps loading after the caller's command deadline.
func (c *Controller) paginate(sid string, offset int) {
	defer c.wg.Done()

	for {
		if !c.isCurrent(sid) {
			c.log.Debug("pagination stopped, session changed", "session_id", sid)
			return
		}

		var chunk *bus.Chunk
		err := retry.Do(c.ctx, c.cfg.Retry, func(ctx context.Context) error {
			ck, err := c.bus.LoadMore(ctx, sid, offset, c.cfg.PageSize)
			if err != nil {
				return err
			}
			chunk = ck
			return nil
		})
		if err != nil {
			if errors.Is(err, retry.ErrPermanent) {
				c.log.Warn("pagination aborted", "session_id", sid, "offset", offset, "error", err)
			} else if !errors.Is(err, context.Canceled) {
				c.log.Warn("pagination gave up", "session_id", sid, "offset", offset, "error", err)
			}
			c.finishSync(sid)
			return
		}

		// A successful load for a session the user already left is discarded
		// whole; partial application would corrupt the new session's view.
		// renderMu holds the staleness check and the prepend together so a
		// switch cannot land between them.
		c.renderMu.Lock()
		c.mu.Lock()
		if c.current != sid {
			c.mu.Unlock()
			c.renderMu.Unlock()
			c.log.Debug("stale chunk discarded", "session_id", sid, "offset", offset)
			return
		}
		c.loaded += len(chunk.Messages)
		c.hasMore = chunk.HasMore
		if !chunk.HasMore {
			c.syncing = false
		}
		c.mu.Unlock()

		if len(chunk.Messages) > 0 {
			c.surface.PrependBatch(render.MessageNodes(chunk.Messages))
		}
		c.renderMu.Unlock()
		offset += len(chunk.Messages)

		if !chunk.HasMore || len(chunk.Messages) == 0 {
			c.log.Info("session fully loaded", "session_id", sid, "loaded", offset)
			return
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			c.finishSync(sid)
			return
		}
	}
}

func (c *Controller) finishSync(sid string) {
	c.mu.Lock()
	if c.current == sid {
		c.syncing = false
	}
	c.mu.Unlock()
}

// =============================================================================
// STATE
// =============================================================================

// Adopt registers a session the bot created mid-stream as current without a
// bus round trip. The surface already shows the live conversation.
func (c *Controller) Adopt(sess model.Session) {
	c.mu.Lock()
	c.current = sess.ID
	c.loaded = 0
	c.total = 0
	c.hasMore = false
	c.syncing = false
	c.mu.Unlock()
	c.log.Info("session adopted", "session_id", sess.ID, "reason", sess.Reason)
}

// CurrentSessionID returns the id of the session being shown, or "" before
// the first switch.
func (c *Controller) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Syncing reports whether background pagination is still filling history in.
func (c *Controller) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// Progress returns loaded and total message counts for the current session.
func (c *Controller) Progress() (loaded, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded, c.total
}

func (c *Controller) isCurrent(sid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == sid
}

// Wait blocks until any background pagination loop has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}
