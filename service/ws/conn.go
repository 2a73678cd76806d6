// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

const (
	connMaxReadBytes = 1024 * 1024 // 1MB
)

type conn struct {
	id     string
	authed bool
	ws     *websocket.Conn
	sendCh chan Message
	// closeCh stops the writer; doneCh is closed once the handler has
	// fully unwound, so Server.Close can wait for in-flight receives.
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newConn(id string, authed bool, ws *websocket.Conn, sendQueueSize int) *conn {
	return &conn{
		id:      id,
		authed:  authed,
		ws:      ws,
		sendCh:  make(chan Message, sendQueueSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// close shuts down the underlying websocket connection. It is safe to call
// from multiple goroutines: the writer closes a conn that overflowed its
// send queue while the server closes it on shutdown.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.ws.Close()
	})
	return err
}

func (s *Server) addConn(c *conn) bool {
	if c == nil {
		return false
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.conns[c.id]; ok {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) removeConn(connID string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.conns[connID]; !ok {
		return false
	}
	delete(s.conns, connID)
	return true
}

func (s *Server) getConn(connID string) *conn {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if connID != "" {
		c := s.conns[connID]
		return c
	}

	return nil
}

func (s *Server) getConns() []*conn {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var i int
	conns := make([]*conn, len(s.conns))
	for _, conn := range s.conns {
		conns[i] = conn
		i++
	}
	return conns
}
