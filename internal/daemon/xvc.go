package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/jtagd/jtagd/internal/adapter"
)

var errXvcGarbageCommand = errors.New("xvc: garbage command")

// ServeXVC listens on addr and serves the Xilinx Virtual Cable text
// protocol: getinfo:/settck: are implemented, shift: is defined by XVC v1.0
// but intentionally unimplemented here, matching the original daemon.
func (srv *Server) ServeXVC(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("jtagd xvc listening")

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
		go srv.handleXvcConn(conn)
	}
}

func (srv *Server) handleXvcConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if !srv.Adapter.HasJTAG() {
		log.Warn().Str("remote", remote).Msg("jtagd xvc: adapter has no jtag capability, closing")
		return
	}

	for {
		if err := serveOneXvcCommand(conn, srv.Adapter.JTAG); err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Str("remote", remote).Msg("jtagd xvc session closed by peer")
			} else {
				log.Warn().Str("remote", remote).Err(err).Msg("jtagd xvc command failed")
			}
			return
		}
	}
}

// serveOneXvcCommand reads one colon-delimited XVC command and writes its
// reply, mirroring the original connection thread's fixed 6-byte command
// prefix peel.
func serveOneXvcCommand(conn net.Conn, jt adapter.JTAGCapability) error {
	var cmdbuf [6]byte
	if _, err := io.ReadFull(conn, cmdbuf[:]); err != nil {
		return err
	}

	switch {
	case cmdbuf[0] == 'g':
		var rest [2]byte
		if _, err := io.ReadFull(conn, rest[:]); err != nil {
			return err
		}
		if string(cmdbuf[:])+string(rest[:]) != "getinfo:" {
			return errXvcGarbageCommand
		}
		_, err := conn.Write([]byte("xvcServer_v1.0:2048\n"))
		return err

	case string(cmdbuf[:]) == "shift:":
		return fmt.Errorf("xvc: shift command not supported")

	default:
		var lastBuf [1]byte
		if _, err := io.ReadFull(conn, lastBuf[:]); err != nil {
			return err
		}
		if string(cmdbuf[:])+string(lastBuf[:]) != "settck:" {
			return errXvcGarbageCommand
		}
		var periodBuf [4]byte
		if _, err := io.ReadFull(conn, periodBuf[:]); err != nil {
			return err
		}
		periodNS := binary.LittleEndian.Uint32(periodBuf[:])
		log.Debug().Uint32("period_ns", periodNS).
			Msg("jtagd xvc: ignoring requested clock speed (unimplemented)")
		_, err := conn.Write(periodBuf[:])
		return err
	}
}
