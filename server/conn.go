package server

import (
	"bufio"
	"bytes"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/carnegie-observatories/zwo/camera"
)

// maxCommandLine caps the accepted command length; anything longer is not a
// valid protocol command.
const maxCommandLine = 4096

// scanCommands is a bufio.SplitFunc delimiting commands on either LF or CR.
// The terminator is consumed; a trailing fragment without one is discarded at
// EOF, never dispatched.
func scanCommands(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// handleConn runs one connection: frame commands, dispatch them against the
// connection's camera session, and write each reply (and payload) before
// reading the next command. On any exit path the session is forced closed and
// its video producer joined.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Info().Str("remote", remote).Msg("connection accepted")

	cam := camera.New(camera.Options{Seed: s.seed, StartupTime: s.startupTime})

	defer func() {
		// A handler failure must only cost this connection; the server
		// keeps accepting new ones.
		if r := recover(); r != nil {
			log.Error().Str("remote", remote).Interface("panic", r).
				Msg("handler panicked, dropping connection")
		}
		cam.Teardown()
		_ = conn.Close()
		s.removeConn(conn)
		log.Info().Str("remote", remote).Msg("connection closed")
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), maxCommandLine)
	sc.Split(scanCommands)
	w := bufio.NewWriter(conn)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		res, err := cam.Dispatch(line)
		if err != nil {
			log.Error().Str("remote", remote).Str("command", line).Err(err).
				Msg("command failed, dropping connection")
			return
		}

		if _, err := w.WriteString(res.Reply); err != nil {
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			return
		}
		if len(res.Payload) > 0 {
			if _, err := w.Write(res.Payload); err != nil {
				return
			}
		}
		if err := w.Flush(); err != nil {
			log.Debug().Str("remote", remote).Err(err).Msg("write failed")
			return
		}

		if res.Quit {
			log.Info().Str("remote", remote).Msg("quit requested")
			s.Shutdown()
			return
		}
	}

	if err := sc.Err(); err != nil {
		log.Debug().Str("remote", remote).Err(err).Msg("read failed")
	}
}
