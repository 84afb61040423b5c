package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/MEMOxiiii/odonata-bridge/internal/codec"
	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/metrics"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Session is one bridged connection: the client socket, the upstream socket
// and the two pipes between them.
type Session struct {
	ctx    *session.Context
	client net.Conn
	server net.Conn
	table  *dispatch.Table

	base   context.Context
	cancel context.CancelFunc

	// sendMu is held per direction while a packet is handled, so a packet
	// injected towards the same peer never overtakes it. Queues are drained
	// again after the lock is released.
	sendMu [2]sync.Mutex

	once     sync.Once
	closeErr error
}

func newSession(sctx *session.Context, client, server net.Conn, table *dispatch.Table, maxSize int, base context.Context, cancel context.CancelFunc) *Session {
	sctx.Client = codec.NewLeg(client, maxSize)
	sctx.Server = codec.NewLeg(server, maxSize)
	return &Session{
		ctx:    sctx,
		client: client,
		server: server,
		table:  table,
		base:   base,
		cancel: cancel,
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.ctx.ID.String() }

// Context returns the connection context.
func (s *Session) Context() *session.Context { return s.ctx }

// Close tears down both sockets. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.closeErr = multierr.Combine(s.client.Close(), s.server.Close())
	})
	return s.closeErr
}

// run forwards packets in both directions and blocks until both pipes end.
// It returns the error that ended the first pipe, nil on a clean close.
func (s *Session) run() error {
	errCh := make(chan error, 2)

	go func() { errCh <- s.pipe(protocol.ServerBound) }()
	go func() { errCh <- s.pipe(protocol.ClientBound) }()

	var first error
	pending := 2
	select {
	case first = <-errCh:
		pending--
	case <-s.base.Done():
	}

	if err := s.Close(); err != nil && !isClosed(err) {
		s.ctx.Logger().Debugw("Error closing connection", zap.Error(err))
	}
	// The remaining pipes fail because their sockets were closed under them.
	for ; pending > 0; pending-- {
		<-errCh
	}
	return first
}

// legs returns the source and destination of packets travelling in dir.
func (s *Session) legs(dir protocol.Direction) (src, dst *codec.Leg) {
	if dir == protocol.ServerBound {
		return s.ctx.Client, s.ctx.Server
	}
	return s.ctx.Server, s.ctx.Client
}

// pipe reads, dispatches and forwards packets travelling in dir until
// either side fails. A handler panic ends the connection like any other
// fault.
func (s *Session) pipe(dir protocol.Direction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s pipe panic: %v", dir, r)
		}
	}()

	src, dst := s.legs(dir)
	for {
		pk, err := src.In.ReadPacket()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("read %s: %w", dir, err)
		}
		if err := s.step(dir, dst, pk); err != nil {
			return err
		}
	}
}

// step handles one packet in dir while holding that direction's send lock,
// then releases it.
func (s *Session) step(dir protocol.Direction, dst *codec.Leg, pk protocol.Packet) (err error) {
	s.sendMu[dir].Lock()
	defer func() {
		if rerr := s.release(dir); err == nil {
			err = rerr
		}
	}()
	return s.forward(dir, dst, pk)
}

// forward runs dispatch, the codec changes scheduled by the handler around
// the write, and flushes the packets injected towards the same peer.
func (s *Session) forward(dir protocol.Direction, dst *codec.Leg, pk protocol.Packet) error {
	res, err := s.table.Dispatch(s.ctx, dir, pk)
	if err != nil {
		return err
	}
	metrics.Packets.WithLabelValues(dir.String(), res.Action.String()).Inc()

	if err := s.ctx.RunScheduled(dir, session.BeforeForward); err != nil {
		return fmt.Errorf("before forwarding %s 0x%02x: %w", dir, pk.ID, err)
	}
	if out, ok := res.Outgoing(pk); ok {
		if err := dst.Out.WritePacket(out); err != nil {
			return err
		}
	}
	if err := s.ctx.RunScheduled(dir, session.AfterForward); err != nil {
		return fmt.Errorf("after forwarding %s 0x%02x: %w", dir, pk.ID, err)
	}
	return s.flush(dir)
}

// release ends a step in dir. Packets queued for either peer while the step
// held its lock are written by whichever pipe is idle now.
func (s *Session) release(dir protocol.Direction) error {
	s.sendMu[dir].Unlock()
	return multierr.Append(s.drain(dir), s.drain(dir.Opposite()))
}

// drain flushes the queue of dir for as long as it has packets and its pipe
// is idle. A busy pipe drains it itself in release.
func (s *Session) drain(dir protocol.Direction) error {
	mu := &s.sendMu[dir]
	q := s.ctx.Injected(dir)
	for q.Len() > 0 && mu.TryLock() {
		err := s.flush(dir)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// flush writes the packets injected for the destination of dir.
func (s *Session) flush(dir protocol.Direction) error {
	// Packets travelling ServerBound go to the server, so they drain the
	// server queue; ClientBound drains the client queue.
	q := s.ctx.Injected(dir)
	if q.Len() == 0 {
		return nil
	}
	_, dst := s.legs(dir)
	label := dir.String()
	return q.Flush(func(pk protocol.Packet) error {
		if err := dst.Out.WritePacket(pk); err != nil {
			return fmt.Errorf("write injected %s 0x%02x: %w", dir, pk.ID, err)
		}
		metrics.Injected.WithLabelValues(label).Inc()
		return nil
	})
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
