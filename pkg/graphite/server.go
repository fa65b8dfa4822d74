// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package graphite

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

const (
	acceptTimeout = time.Second
	readTimeout   = time.Second
	readChunkSize = 4096
)

// Server is the collector line receiver. It accepts concurrent connections
// on a local TCP port and feeds complete lines to the derivation engine.
type Server struct {
	engine *Engine
	addr   string

	listener     *net.TCPListener
	wg           sync.WaitGroup
	dataLastSeen atomic.Int64 // unix seconds, 0 until first data
}

// NewServer returns a server bound later to addr (host:port).
func NewServer(engine *Engine, addr string) *Server {
	return &Server{
		engine: engine,
		addr:   addr,
	}
}

// Listen binds the TCP socket. Called before Run so that a bind failure is
// reported synchronously at startup.
func (s *Server) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "invalid graphite listener address %q", s.addr)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return errors.Wrap(err, "unable to bind graphite listener")
	}
	s.listener = listener
	return nil
}

// Run accepts connections until ctx is cancelled, then closes the socket
// and waits for every connection handler to return.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Debugf("Graphite listener started on %s", s.addr)

	for ctx.Err() == nil {
		// short accept deadline so the terminating flag is observed quickly
		s.listener.SetDeadline(time.Now().Add(acceptTimeout)) //nolint:errcheck
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			log.Debugf("Graphite listener accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.listener.Close()
	s.wg.Wait()
	return nil
}

// DataLastSeen returns when the last line was received, or a zero time.
func (s *Server) DataLastSeen() time.Time {
	v := s.dataLastSeen.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func (s *Server) handleConnection(ctx context.Context, conn *net.TCPConn) {
	log.Debugf("collector: client connected from %s", conn.RemoteAddr())
	defer func() {
		conn.Close()
		log.Debugf("collector: client %s disconnected", conn.RemoteAddr())
	}()

	var remain []byte
	chunk := make([]byte, readChunkSize)

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		n, err := conn.Read(chunk)
		if n > 0 {
			s.dataLastSeen.Store(time.Now().Unix())

			buf := append(remain, chunk[:n]...)
			lines := bytes.Split(buf, []byte{'\n'})

			// the last element is either empty or a partial line to carry
			remain = nil
			if last := lines[len(lines)-1]; len(last) > 0 {
				remain = append([]byte(nil), last...)
			}
			lines = lines[:len(lines)-1]

			for _, line := range lines {
				if len(line) == 0 {
					continue
				}
				s.engine.HandleLine(string(line))
			}
			s.engine.EndOfBatch()
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return
		}
	}
}
