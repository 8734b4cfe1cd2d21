/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package docbridge

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Server is the C9 connection server: it accepts TCP connections speaking
// the wire protocol decoded by wire.go, and serves each one on a worker
// drawn from a bounded pool, synchronously reading a request, dispatching
// it, and writing the reply before reading the next one.
type Server struct {
	cfg        *Config
	dispatcher *Dispatcher
	logger     zerolog.Logger

	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	nextID   uint32

	closing chan struct{}
	once    sync.Once
}

func NewServer(cfg *Config, dispatcher *Dispatcher, logger zerolog.Logger) *Server {
	size := cfg.MaxConnections
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		sem:        make(chan struct{}, size),
		closing:    make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = ":27017"
	} else if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = addr + ":27017"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.logger.Info().Str("addr", l.Addr().String()).Msg("listening")
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address the listener is bound to. Only meaningful after
// a successful Start.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for every serving goroutine to return.
// Open connections are not closed by Stop: each is served until its client
// closes it or a read or write fails, so Stop returns only after all of
// them have ended.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.closing)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				return
			}
		}
		select {
		case s.sem <- struct{}{}:
		case <-s.closing:
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("remote", remote).Logger()

	for {
		msg, err := readMessage(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("read failed, closing connection")
			}
			return
		}
		if s.cfg.Trace {
			logger.Trace().Uint32("opcode", msg.OpCode).Int("docs", len(msg.Docs)).Msg("received")
		}
		if len(msg.Docs) == 0 {
			return
		}
		cmdDoc := msg.Docs[0]
		if s.cfg.Debug && len(cmdDoc.Document) > 0 {
			logger.Debug().Str("command", cmdDoc.Document[0].Key).Msg("dispatching")
		}
		cc := CommandContext{Ctx: context.Background(), DB: "test", RemoteAddr: remote}
		reply, err := s.dispatcher.Handle(cc, cmdDoc)
		if err != nil {
			logger.Debug().Err(err).Msg("unrecoverable request error, closing connection")
			return
		}
		replyBytes, err := EncodeReply(msg, reply, atomic.AddUint32(&s.nextID, 1))
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode reply")
			return
		}
		if _, err := conn.Write(replyBytes); err != nil {
			logger.Debug().Err(err).Msg("write failed, closing connection")
			return
		}
		if hasMoreToCome(msg.Flags) {
			// The client indicated further batches would follow before it
			// expects a reply; docbridge only answers single-batch
			// requests, so there is nothing more to read here.
			return
		}
	}
}

// readMessage reads one complete wire message (header plus body) from r.
func readMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < headerSize || length > MaxMessageSize {
		return Message{}, newError(KindProtocolDecode, "invalid message length %d", length)
	}
	buf := make([]byte, length)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		return Message{}, err
	}
	return DecodeMessage(buf)
}
