// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"sync"
	"time"

	"github.com/wallgrid/hub/service/geometry"
)

const regionCoalesceWindow = 50 * time.Millisecond

// regionCoalescer debounces per-viewer region change notifications. Updates
// for the same clientId arriving within the window are collapsed into one
// emission carrying the latest rectangle. Other event kinds bypass it.
type regionCoalescer struct {
	window time.Duration
	emitCb func(clientID string, region *geometry.Rectangle)

	mut     sync.Mutex
	pending map[string]*geometry.Rectangle
	timers  map[string]*time.Timer
	stopped bool
}

func newRegionCoalescer(window time.Duration, emitCb func(clientID string, region *geometry.Rectangle)) *regionCoalescer {
	return &regionCoalescer{
		window:  window,
		emitCb:  emitCb,
		pending: map[string]*geometry.Rectangle{},
		timers:  map[string]*time.Timer{},
	}
}

// Push records a region change for clientID. The first change in a window
// starts the timer; later ones only replace the pending rectangle.
func (c *regionCoalescer) Push(clientID string, region *geometry.Rectangle) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.stopped {
		return
	}

	c.pending[clientID] = region

	if _, ok := c.timers[clientID]; ok {
		return
	}

	c.timers[clientID] = time.AfterFunc(c.window, func() {
		c.emit(clientID)
	})
}

func (c *regionCoalescer) emit(clientID string) {
	c.mut.Lock()
	region, ok := c.pending[clientID]
	delete(c.pending, clientID)
	delete(c.timers, clientID)
	stopped := c.stopped
	c.mut.Unlock()

	if !ok || stopped {
		return
	}

	c.emitCb(clientID, region)
}

// Stop cancels all pending timers. Pending updates are discarded.
func (c *regionCoalescer) Stop() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.stopped = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
		delete(c.pending, id)
	}
}
