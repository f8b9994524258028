package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jtagd/jtagd/internal/adapter"
	"github.com/jtagd/jtagd/internal/observability"
	"github.com/jtagd/jtagd/internal/wire"
)

// Server accepts TCP connections and runs one session per connection on its
// own goroutine. There is no worker pool and no intra-session concurrency,
// matching the daemon's one-goroutine-per-connection model.
type Server struct {
	Adapter adapter.Adapter
	Limits  wire.Limits

	activeSessions atomic.Int64
}

func NewServer(a adapter.Adapter) *Server {
	return &Server{Adapter: a, Limits: wire.DefaultLimits()}
}

// Serve listens on addr until ctx is canceled or the listener errors.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.ServeListener(ctx, ln)
}

// ServeListener runs the accept loop against an already-bound listener,
// closing it when ctx is canceled. Splitting this out from Serve lets
// callers bind an ephemeral port (":0") and learn its address before
// entering the loop.
func (srv *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("jtagd listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := srv.activeSessions.Add(1)
	observability.ActiveSessions.Set(float64(active))
	log.Info().Str("remote", remote).Int64("active_sessions", active).Msg("jtagd session connected")
	defer func() {
		remaining := srv.activeSessions.Add(-1)
		observability.ActiveSessions.Set(float64(remaining))
		log.Info().Str("remote", remote).Int64("active_sessions", remaining).Msg("jtagd session disconnected")
	}()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	sess := newSession(srv.Adapter)
	if err := sess.runHandshake(conn, srv.Limits); err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("jtagd handshake failed")
		return
	}
	log.Info().Str("remote", remote).Str("transport", sess.transport.String()).Msg("jtagd session ready")

	for sess.state == StateReady {
		frame, err := wire.ReadFrame(conn, srv.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Str("remote", remote).Msg("jtagd session closed by peer")
			} else {
				log.Warn().Str("remote", remote).Err(err).Msg("jtagd frame read failed")
			}
			return
		}

		req, err := wire.Decode(frame)
		if err != nil {
			log.Error().Str("remote", remote).Err(err).Msg("jtagd decode failed, session terminated")
			if writeErr := sess.sendError(conn, srv.Limits, 0, adapter.KindProtocol, err); writeErr != nil {
				log.Warn().Str("remote", remote).Err(writeErr).Msg("jtagd error-reply write failed")
			}
			return
		}

		dispatchStart := time.Now()
		perfBefore := snapshotPerf(sess.adapter)
		reply, err := sess.dispatch(req)
		observability.RecordDispatch(fmt.Sprintf("%d", req.Type), time.Since(dispatchStart))
		recordPerfDelta(perfBefore, snapshotPerf(sess.adapter))
		if err != nil {
			kind := adapter.KindOf(err)
			// A Scan request that fails with a Protocol error (undersized
			// write_data, a split-scan contract violation) gets no reply at
			// all, matching the documented undersized-write scenario.
			suppressReply := req.Type == wire.MsgScanRequest && kind == adapter.KindProtocol
			if !suppressReply {
				if writeErr := sess.sendError(conn, srv.Limits, req.ID, kind, err); writeErr != nil {
					log.Warn().Str("remote", remote).Err(writeErr).Msg("jtagd error-reply write failed")
					return
				}
			}
			if kind == adapter.KindIO || kind == adapter.KindProtocol || kind == adapter.KindAdapter {
				log.Error().Str("remote", remote).Err(err).Msg("jtagd session terminated by fatal error")
				return
			}
			log.Warn().Str("remote", remote).Err(err).Msg("jtagd request rejected, session continues")
			continue
		}

		if sess.state == StateClosed {
			return
		}
		if reply.Type == 0 {
			continue
		}
		if err := wire.WriteFrame(conn, wire.Encode(reply), srv.Limits); err != nil {
			log.Warn().Str("remote", remote).Err(err).Msg("jtagd reply write failed")
			return
		}
	}
}

type perfSnapshot struct {
	shiftOps, dataBits, modeBits, dummyClocks uint64
}

// snapshotPerf reads the backend's cumulative perf counters. Diffing two
// snapshots taken around a dispatch call lets the server export Prometheus
// deltas without the backend itself depending on observability — a model
// adapter or a remote Proxy only ever exposes a running total.
func snapshotPerf(a adapter.Adapter) perfSnapshot {
	return perfSnapshot{
		shiftOps:    a.Common.PerfShiftOps(),
		dataBits:    a.Common.PerfDataBits(),
		modeBits:    a.Common.PerfModeBits(),
		dummyClocks: a.Common.PerfDummyClocks(),
	}
}

func recordPerfDelta(before, after perfSnapshot) {
	if d := after.shiftOps - before.shiftOps; d > 0 {
		observability.ShiftOpsTotal.Add(float64(d))
	}
	if d := after.dataBits - before.dataBits; d > 0 {
		observability.DataBitsTotal.Add(float64(d))
	}
	if d := after.modeBits - before.modeBits; d > 0 {
		observability.ModeBitsTotal.Add(float64(d))
	}
	if d := after.dummyClocks - before.dummyClocks; d > 0 {
		observability.DummyClocksTotal.Add(float64(d))
	}
}

func (s *Session) sendError(w io.Writer, limits wire.Limits, inReplyTo uint64, kind adapter.Kind, cause error) error {
	msg := wire.Message{
		Type: wire.MsgError,
		ID:   inReplyTo,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldErrorKind, uint8(kind)),
			wire.NewFieldString(wire.FieldErrorText, cause.Error()),
		},
	}
	return wire.WriteFrame(w, wire.Encode(msg), limits)
}

// runHandshake performs the AwaitingServerHello/AwaitingClientHello exchange:
// on accept the daemon speaks first, sending a Hello that reports the bound
// adapter's preferred transport, then waits for the client's Hello declaring
// the transport it intends to use.
func (s *Session) runHandshake(rw io.ReadWriter, limits wire.Limits) error {
	s.state = StateAwaitingServerHello
	preferred := s.preferredTransport()

	hello := wire.Message{
		Type: wire.MsgHello,
		Fields: []wire.Field{
			wire.NewFieldU8(wire.FieldTransport, uint8(preferred)),
			wire.NewFieldU32(wire.FieldProtoVersion, 1),
		},
	}
	if err := wire.WriteFrame(rw, wire.Encode(hello), limits); err != nil {
		return err
	}
	s.state = StateAwaitingClientHello

	frame, err := wire.ReadFrame(rw, limits)
	if err != nil {
		return err
	}
	req, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	if req.Type != wire.MsgHello {
		s.close()
		return adapter.WrapProtocol("expected hello")
	}
	tField, _ := wire.GetField(req.Fields, wire.FieldTransport)
	requested := Transport(tField.Value[0])

	negotiated, err := s.negotiateTransport(requested)
	if err != nil {
		s.close()
		return adapter.WrapProtocol(err.Error())
	}

	s.advanceToReady(negotiated)
	return nil
}

// preferredTransport reports the bound adapter's capability preference:
// JTAG if present, else SWD.
func (s *Session) preferredTransport() Transport {
	if s.adapter.HasJTAG() {
		return TransportJTAG
	}
	return TransportSWD
}
