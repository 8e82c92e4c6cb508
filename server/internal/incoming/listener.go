// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

// Package incoming implements the incoming connection support.
package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/mrps/mrps/core/worker"
	"github.com/mrps/mrps/server/internal/glue"
	"github.com/mrps/mrps/server/internal/instrument"
)

const keepAliveInterval = 3 * time.Minute

// closeGracePeriod bounds how long Halt waits on a connection whose peer
// stopped reading.
var closeGracePeriod = 5 * time.Second

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l     net.Listener
	conns *list.List
	pool  pond.Pool

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// Halt stops accepting, then waits for every connection of the listener
// to finish the command it is processing and close.
func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener. Connections still
	// queued in the pool exit as soon as they are scheduled.
	close(l.closeAllCh)
	deadline := time.Now().Add(closeGracePeriod)
	l.Lock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).c.SetDeadline(deadline)
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.IsHalted() {
				return
			}
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			l.log.Errorf("accept failure: %v", err)
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.Incoming()

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	c.e = l.conns.PushFront(c)
	l.Unlock()

	// The pool bounds concurrency, excess connections wait in its queue.
	l.pool.Submit(c.worker)
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

func (l *listener) numConns() int {
	l.Lock()
	defer l.Unlock()
	return l.conns.Len()
}

// New creates a new listener bound to addr, serving connections on pool.
func New(glue glue.Glue, pool pond.Pool, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		pool:       pool,
		closeAllCh: make(chan interface{}),
	}

	// parse the Address line as a URL
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			l.log.Errorf("Failed to start listener '%v': %v", addr, err)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("incoming: unsupported listener scheme '%v'", u.Scheme)
	}

	l.Go(l.worker)
	return l, nil
}
