// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/core/wire"
	"github.com/mrps/mrps/server/internal/instrument"
	"github.com/mrps/mrps/server/internal/session"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element
	d *session.Dispatcher

	id uint64
}

type readResult struct {
	line string
	err  error
}

func (c *incomingConn) idleTimeout() time.Duration {
	return time.Duration(c.l.glue.Config().Debug.IdleTimeout) * time.Millisecond
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.d.Close() // Wipe the session secrets.
		instrument.Closed()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// The connection may have spent a while queued in the pool.
	select {
	case <-c.l.closeAllCh:
		return
	default:
	}
	c.log.Debugf("Serving %v.", c.c.RemoteAddr())

	// Start reading from the peer. Lines are read one at a time, the next
	// read only starts once the previous response has been written.
	lineCh := make(chan readResult)
	nextCh := make(chan struct{}, 1)
	readerCloseCh := make(chan interface{})
	defer close(readerCloseCh)
	go func() {
		defer close(lineCh)
		lr := wire.NewLineReader(c.c, c.l.glue.Config().Debug.MaxLineLength)
		for {
			select {
			case <-nextCh:
			case <-readerCloseCh:
				return
			}
			if timeout := c.idleTimeout(); timeout > 0 {
				c.c.SetReadDeadline(time.Now().Add(timeout))
			}
			line, err := lr.ReadLine()
			select {
			case lineCh <- readResult{line, err}:
			case <-readerCloseCh:
				// c.worker() is returning for some reason, give up on
				// trying to hand over the line, and just return.
				return
			}
			if err != nil {
				return
			}
		}
	}()
	nextCh <- struct{}{}

	// Process requests.
	for {
		var res readResult
		var ok bool

		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being closed.
			return
		case res, ok = <-lineCh:
			if !ok {
				return
			}
		}

		if res.err != nil {
			if res.err == wire.ErrLineTooLong {
				c.log.Debugf("Disconnecting, line too long.")
				c.write(wire.Error("Line too long"))
				return
			}
			if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
				c.log.Debugf("Disconnecting, idle for %v.", c.idleTimeout())
				return
			}
			c.log.Debugf("Failed to read request: %v", res.err)
			return
		}

		if err := c.write(c.d.Handle(res.line)); err != nil {
			c.log.Debugf("Failed to write response: %v", err)
			return
		}
		nextCh <- struct{}{}
	}

	// NOTREACHED
}

func (c *incomingConn) write(line string) error {
	if timeout := c.idleTimeout(); timeout > 0 {
		c.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return wire.WriteLine(c.c, line)
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))
	c.d = session.NewDispatcher(l.glue, l.glue.LogBackend().GetLogger(fmt.Sprintf("session:%d", c.id)))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())
	return c
}
