package main

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/tcp"
)

// echoService mirrors inbound bytes back to the peer on every accepted
// connection. It doubles as the engine's lifecycle observer: established
// connections enter the polling set, closed ones leave it.
type echoService struct {
	engine *tcp.Engine

	mu    sync.Mutex
	conns map[uint64]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newEchoService() *echoService {
	return &echoService{
		conns:  make(map[uint64]struct{}),
		stopCh: make(chan struct{}),
	}
}

func (s *echoService) ConnectionEstablished(id uint64) {
	s.mu.Lock()
	s.conns[id] = struct{}{}
	s.mu.Unlock()
	logging.Debugf("echo: connection %d up", id)
}

func (s *echoService) ConnectionClosed(id uint64, reason core.CloseReason) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	logging.Debugf("echo: connection %d down (%s)", id, reason)
}

func (s *echoService) start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *echoService) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *echoService) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, id := range s.snapshot() {
				s.service(id)
			}
		}
	}
}

func (s *echoService) snapshot() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// service drains one connection and writes the bytes back. A peer that
// finished sending gets our FIN in return.
func (s *echoService) service(id uint64) {
	for {
		data, err := s.engine.Receive(id, 32*1024)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.engine.Close(id)
			}
			return
		}
		if len(data) == 0 {
			return
		}
		for len(data) > 0 {
			n, err := s.engine.Send(id, data)
			if err != nil {
				return
			}
			if n == 0 {
				// Send buffer full; the rest goes out next tick.
				// Data already drained is dropped rather than blocking
				// the polling loop.
				logging.Debugf("echo: connection %d backpressured, dropping %d bytes", id, len(data))
				return
			}
			data = data[n:]
		}
	}
}
