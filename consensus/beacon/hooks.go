// Copyright 2025 The carbide Authors
// This file is part of the carbide library.
//
// The carbide library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The carbide library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the carbide library. If not, see <http://www.gnu.org/licenses/>.

package beacon

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
)

// DBAccessLevel declares what database access a hook needs while running.
type DBAccessLevel int

const (
	// DBAccessReadOnly hooks may run concurrently with the pipeline and with
	// live tree processing.
	DBAccessReadOnly DBAccessLevel = iota

	// DBAccessReadWrite hooks require exclusive database access: the engine
	// must not run the pipeline or mutate the tree while one is active.
	DBAccessReadWrite
)

func (l DBAccessLevel) String() string {
	if l == DBAccessReadWrite {
		return "read-write"
	}
	return "read-only"
}

// HookContext is the chain snapshot handed to hooks when they are considered
// for scheduling.
type HookContext struct {
	TipBlockNumber       uint64
	FinalizedBlockNumber *uint64
}

// Hook is a background task scheduled by the engine in between consensus
// messages, such as the pruner or the snapshotter.
type Hook interface {
	// Name identifies the hook in logs and events.
	Name() string

	// DBAccess declares the database access level the hook requires.
	DBAccess() DBAccessLevel

	// Ready reports whether the hook has work to do for the given chain
	// snapshot. Hooks that are not ready are skipped without starting.
	Ready(hctx HookContext) bool

	// Run executes the hook until completion or context cancellation.
	Run(ctx context.Context, hctx HookContext) error
}

// HookEvent reports a finished hook run back to the engine loop.
type HookEvent struct {
	Name     string
	DBAccess DBAccessLevel
	Err      error
}

type runningHook struct {
	hook   Hook
	cancel context.CancelFunc
}

// EngineHooksController schedules the registered hooks, one at a time, and
// gates hooks needing exclusive database access on the pipeline being idle.
// All methods are called from the engine loop only; hook runs happen on their
// own goroutine and report back through the events channel.
type EngineHooksController struct {
	hooks   []Hook
	next    int
	running *runningHook
	events  chan HookEvent
	logger  log.Logger
}

// NewEngineHooksController creates an empty controller.
func NewEngineHooksController() *EngineHooksController {
	return &EngineHooksController{
		events: make(chan HookEvent, 1),
		logger: log.New("component", "hooks"),
	}
}

// Add registers a hook for scheduling.
func (c *EngineHooksController) Add(hook Hook) {
	c.hooks = append(c.hooks, hook)
}

// Events returns the channel delivering hook completions.
func (c *EngineHooksController) Events() <-chan HookEvent {
	return c.events
}

// IsHookWithDBWriteRunning reports whether a hook holding exclusive database
// access is currently active.
func (c *EngineHooksController) IsHookWithDBWriteRunning() bool {
	return c.running != nil && c.running.hook.DBAccess() == DBAccessReadWrite
}

// IsHookRunning reports whether any hook is currently active.
func (c *EngineHooksController) IsHookRunning() bool {
	return c.running != nil
}

// TryStartNextHook starts the next ready hook if none is running. Hooks
// needing exclusive database access are withheld while the pipeline is
// active; the caller additionally withholds all hooks while the latest
// forkchoice update is invalid. Returns the started hook, if any.
func (c *EngineHooksController) TryStartNextHook(ctx context.Context, hctx HookContext, pipelineActive bool) Hook {
	if c.running != nil || len(c.hooks) == 0 {
		return nil
	}
	for i := 0; i < len(c.hooks); i++ {
		hook := c.hooks[(c.next+i)%len(c.hooks)]
		if hook.DBAccess() == DBAccessReadWrite && pipelineActive {
			continue
		}
		if !hook.Ready(hctx) {
			continue
		}
		c.next = (c.next + i + 1) % len(c.hooks)
		runCtx, cancel := context.WithCancel(ctx)
		c.running = &runningHook{hook: hook, cancel: cancel}
		c.logger.Debug("Starting hook", "name", hook.Name(), "access", hook.DBAccess())
		hookStartMeter.Mark(1)

		go func() {
			err := hook.Run(runCtx, hctx)
			cancel()
			c.events <- HookEvent{Name: hook.Name(), DBAccess: hook.DBAccess(), Err: err}
		}()
		return hook
	}
	return nil
}

// HookFinished clears the running slot; invoked by the engine loop when it
// processes the hook's completion event.
func (c *EngineHooksController) HookFinished(ev HookEvent) {
	if ev.Err != nil && ev.Err != context.Canceled {
		hookFailMeter.Mark(1)
		c.logger.Warn("Hook failed", "name", ev.Name, "err", ev.Err)
	}
	c.running = nil
}

// Stop cancels the running hook, if any.
func (c *EngineHooksController) Stop() {
	if c.running != nil {
		c.running.cancel()
	}
}
