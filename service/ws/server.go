// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package ws implements the message channel between the hub and every
// connected participant. Each connection gets a bounded outbound FIFO; a
// participant that cannot keep up has its transport closed and is expected
// to re-sync state on reconnect.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wallgrid/hub/service/random"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	receiveChSize = 256
	writeWaitTime = 10 * time.Second
)

// AuthCb is called prior to performing the WebSocket upgrade. It reports
// whether the connection is authenticated for administrative operations.
// Returning an error rejects the upgrade.
type AuthCb func(w http.ResponseWriter, r *http.Request) (bool, error)

type Server struct {
	cfg       ServerConfig
	log       mlog.LoggerIFace
	conns     map[string]*conn
	authCb    AuthCb
	mut       sync.RWMutex
	receiveCh chan Message
}

// NewServer initializes and returns a new WebSocket server.
func NewServer(cfg ServerConfig, log mlog.LoggerIFace, opts ...ServerOption) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		conns:     make(map[string]*conn),
		receiveCh: make(chan Message, receiveChSize),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return s, nil
}

// Send enqueues a message on the outbound FIFO for the connection it
// addresses. If the queue is full the connection is closed: a slow consumer
// is disconnected rather than allowed to stall the hub.
func (s *Server) Send(msg Message) error {
	conn := s.getConn(msg.ConnID)
	if conn == nil {
		return fmt.Errorf("failed to get conn for sending: %s", msg.ConnID)
	}

	select {
	case conn.sendCh <- msg:
	default:
		s.log.Warn("send queue is full, closing connection", mlog.String("connID", conn.id))
		if err := conn.close(); err != nil {
			s.log.Error("failed to close ws conn", mlog.Err(err))
		}
		return fmt.Errorf("send queue for %s is full", msg.ConnID)
	}

	return nil
}

// ReceiveCh returns a channel that can be used to receive messages from ws connections.
func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

// CloseConn closes the transport identified by connID, if connected.
func (s *Server) CloseConn(connID string) error {
	conn := s.getConn(connID)
	if conn == nil {
		return fmt.Errorf("no connection found for %s", connID)
	}
	return conn.close()
}

// Close stops the websocket server and closes all the ws connections.
// Must be called once all senders are done and cannot be called more than once.
func (s *Server) Close() {
	conns := s.getConns()
	for _, conn := range conns {
		if err := conn.close(); err != nil {
			s.log.Error("failed to close ws conn", mlog.Err(err))
		}
		<-conn.doneCh
	}
	close(s.receiveCh)
}

// ServeHTTP makes the WebSocket server implement http.Handler so that it can
// be passed to a RegisterHandler method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := random.NewID()

	var err error
	var authed bool
	if s.authCb != nil {
		authed, err = s.authCb(w, r)
		if err != nil {
			s.log.Error("authCb failed", mlog.Err(err))
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", mlog.Err(err))
		return
	}

	conn := newConn(connID, authed, ws, s.cfg.SendQueueSize)
	s.addConn(conn)

	s.receiveCh <- newOpenMessage(connID, authed)

	defer func() {
		_ = conn.close()
		s.removeConn(conn.id)
		s.receiveCh <- newCloseMessage(connID)
		close(conn.doneCh)
	}()

	go s.connWriter(conn)

	ws.SetReadLimit(connMaxReadBytes)
	if err := ws.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval)); err != nil {
		s.log.Error("failed to set read deadline", mlog.Err(err))
		return
	}
	ws.SetPongHandler(func(appData string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			s.log.Debug("ws read failed", mlog.Err(err), mlog.String("connID", connID))
			break
		}

		if mt != websocket.TextMessage {
			s.log.Error("unexpected ws message", mlog.Int("type", mt), mlog.String("connID", connID))
			continue
		}

		s.receiveCh <- Message{
			ConnID: connID,
			Type:   TextMessage,
			Data:   data,
		}
	}
}

// connWriter drains a single connection's outbound FIFO. One writer per
// connection keeps per-participant ordering while preventing one slow
// consumer from blocking the others.
func (s *Server) connWriter(conn *conn) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-conn.sendCh:
			var msgType int
			switch msg.Type {
			case TextMessage:
				msgType = websocket.TextMessage
			case CloseMessage:
				msgType = websocket.CloseMessage
			default:
				s.log.Error("unexpected ws message", mlog.Int("type", int(msg.Type)))
				continue
			}

			if err := conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
				s.log.Error("failed to set write deadline", mlog.String("connID", conn.id), mlog.Err(err))
			}
			if err := conn.ws.WriteMessage(msgType, msg.Data); err != nil {
				s.log.Error("failed to write message", mlog.String("connID", conn.id), mlog.Err(err))
			}
		case <-pingTicker.C:
			if err := conn.ws.SetWriteDeadline(time.Now().Add(writeWaitTime)); err != nil {
				s.log.Error("failed to set write deadline", mlog.String("connID", conn.id), mlog.Err(err))
			}
			if err := conn.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				s.log.Error("failed to write ping message", mlog.String("connID", conn.id), mlog.Err(err))
			}
		case <-conn.closeCh:
			return
		}
	}
}
