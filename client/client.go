// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package client implements the participant side of the hub protocol:
// a base connection speaking the JSON wire format plus role wrappers for
// viewers, broadcasters and admins.
package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wallgrid/hub/service/wire"
	"github.com/wallgrid/hub/service/ws"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// Client is a single connection to the hub. Inbound messages are
// dispatched by wire type to registered handlers on a dedicated goroutine;
// per-connection ordering follows from the transport's FIFO.
type Client struct {
	cfg *Config
	log mlog.LoggerIFace
	ws  *ws.Client

	mut      sync.RWMutex
	handlers map[string]func(data []byte)

	doneCh chan struct{}
}

func New(cfg Config, log mlog.LoggerIFace) (*Client, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	wsClient, err := ws.NewClient(ws.ClientConfig{
		URL:       cfg.wsURL,
		AuthToken: cfg.AuthKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ws client: %w", err)
	}

	c := &Client{
		cfg:      &cfg,
		log:      log,
		ws:       wsClient,
		handlers: map[string]func(data []byte){},
		doneCh:   make(chan struct{}),
	}

	go c.msgReader()

	return c, nil
}

// On registers the handler for a wire message type, replacing any prior
// one. Handlers run on the reader goroutine and must not block.
func (c *Client) On(msgType string, handler func(data []byte)) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.handlers[msgType] = handler
}

// Send marshals and sends a wire message.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.ws.Send(data)
}

// DoneCh is closed once the connection is gone and the reader has exited.
func (c *Client) DoneCh() <-chan struct{} {
	return c.doneCh
}

func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) msgReader() {
	defer close(c.doneCh)

	for msg := range c.ws.ReceiveCh() {
		msgType, err := wire.TypeOf(msg.Data)
		if err != nil {
			c.log.Warn("client: failed to parse message", mlog.Err(err))
			continue
		}

		c.mut.RLock()
		handler := c.handlers[msgType]
		c.mut.RUnlock()

		if handler == nil {
			c.log.Debug("client: unhandled message", mlog.String("type", msgType))
			continue
		}

		handler(msg.Data)
	}
}
