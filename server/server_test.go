package server_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carnegie-observatories/zwo/client"
	"github.com/carnegie-observatories/zwo/server"
)

// startServer runs a server with a fixed seed on an ephemeral loopback port
// and returns its address.
func startServer(t *testing.T) string {
	t.Helper()
	seed := int64(42)
	srv := server.New("127.0.0.1:0", &seed)
	require.NoError(t, srv.Listen())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
	}()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv.Addr().String()
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestVersionHandshake(t *testing.T) {
	c := dial(t, startServer(t))

	reply, err := c.Version()
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^1\.0\.4 \d+ \d+$`), reply)
	require.Len(t, strings.Fields(reply), 3)
}

func TestStillCapture(t *testing.T) {
	c := dial(t, startServer(t))

	info, err := c.Open()
	require.NoError(t, err)
	require.Positive(t, info.Width)
	require.Positive(t, info.Height)

	roi, err := c.Setup(0, 0, 256, 256, 1, 16)
	require.NoError(t, err)
	require.Equal(t, client.ROI{Width: 256, Height: 256, Binning: 1, Bits: 16}, roi)

	exp, err := c.ExpTime(0.05)
	require.NoError(t, err)
	require.InDelta(t, 0.05, exp, 1e-3)

	require.NoError(t, c.Expose())
	time.Sleep(100 * time.Millisecond)

	status, err := c.Status()
	require.NoError(t, err)
	require.Equal(t, "idle", status)

	frame, err := c.Data(0)
	require.NoError(t, err)
	require.Len(t, frame, 131072)

	lo, hi := uint16(0xffff), uint16(0)
	for i := 0; i < len(frame); i += 2 {
		v := binary.LittleEndian.Uint16(frame[i:])
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	require.Less(t, lo, hi)
}

func TestStreamingSession(t *testing.T) {
	c := dial(t, startServer(t))

	_, err := c.Open()
	require.NoError(t, err)
	_, err = c.Setup(0, 0, 128, 128, 1, 8)
	require.NoError(t, err)
	_, err = c.ExpTime(0.01)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	time.Sleep(50 * time.Millisecond)

	first, err := c.Next(0.5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first.Seq, int64(1))
	require.Len(t, first.Data, 16384)

	second, err := c.Next(0.5)
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)
	require.Len(t, second.Data, 16384)

	require.NoError(t, c.Stop())
	status, err := c.Status()
	require.NoError(t, err)
	require.Equal(t, "idle", status)
}

func TestErrorPrecedence(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	reply, err := c.Command("exptime 0.1")
	require.NoError(t, err)
	require.Equal(t, "-Eerr=21", reply)

	_, err = c.Open()
	require.NoError(t, err)

	reply, err = c.Command("exptime 10")
	require.NoError(t, err)
	require.Equal(t, "10.000000", reply)

	require.NoError(t, c.Expose())

	reply, err = c.Command("expose")
	require.NoError(t, err)
	require.Equal(t, "-Eerr=22", reply)
}

func TestSetupAlignmentOverWire(t *testing.T) {
	c := dial(t, startServer(t))

	_, err := c.Open()
	require.NoError(t, err)

	reply, err := c.Command("setup 0 0 100 101 1 16")
	require.NoError(t, err)
	require.Equal(t, "0 0 96 100 1 16", reply)
}

func TestConcurrentConnectionsAreIndependent(t *testing.T) {
	addr := startServer(t)
	c1 := dial(t, addr)
	c2 := dial(t, addr)

	_, err := c1.Open()
	require.NoError(t, err)
	roi1, err := c1.SetupPreset("image 2")
	require.NoError(t, err)
	require.Equal(t, 16, roi1.Bits)

	_, err = c2.Open()
	require.NoError(t, err)
	roi2, err := c2.Setup(0, 0, 64, 64, 1, 8)
	require.NoError(t, err)
	_ = roi2

	_, err = c1.ExpTime(0.001)
	require.NoError(t, err)
	_, err = c2.ExpTime(0.001)
	require.NoError(t, err)

	require.NoError(t, c1.Expose())
	require.NoError(t, c2.Expose())
	time.Sleep(50 * time.Millisecond)

	frame1, err := c1.Data(0)
	require.NoError(t, err)
	require.Len(t, frame1, roi1.Bytes())

	frame2, err := c2.Data(0)
	require.NoError(t, err)
	require.Len(t, frame2, 4096)
}

func TestSessionsAreDeterministicPerSeed(t *testing.T) {
	addr := startServer(t)

	capture := func() []byte {
		c := dial(t, addr)
		_, err := c.Open()
		require.NoError(t, err)
		_, err = c.Setup(0, 0, 64, 64, 1, 16)
		require.NoError(t, err)
		frame, err := c.Data(0)
		require.NoError(t, err)
		return frame
	}

	require.Equal(t, capture(), capture())
}

func TestCarriageReturnTerminator(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("version\r"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "1.0.4 "), "reply %q", line)
}

func TestEmptyCommandsIgnored(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Blank lines and CRLF pairs produce no replies at all.
	_, err = conn.Write([]byte("\n\r\nversion\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "1.0.4 "), "reply %q", line)
}

func TestSplitCommandAcrossWrites(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for _, part := range []string{"ver", "sion", "\n"} {
		_, err = conn.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "1.0.4 "), "reply %q", line)
}

func TestPipelinedCommands(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("open\nfilters\nstatus\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	read := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}
	require.Len(t, strings.Fields(read()), 6)
	require.Equal(t, "7", read())
	require.Equal(t, "idle", read())
}

func TestBadArgumentDropsConnectionOnly(t *testing.T) {
	addr := startServer(t)

	bad := dial(t, addr)
	_, err := bad.Open()
	require.NoError(t, err)
	_, err = bad.Command("gain abc")
	if err == nil {
		// The server closes the connection; the next read must fail.
		_, err = bad.Command("gain")
	}
	require.Error(t, err)

	// The server keeps accepting fresh connections.
	good := dial(t, addr)
	reply, err := good.Version()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reply, "1.0.4 "))
}

func TestQuitStopsServer(t *testing.T) {
	seed := int64(42)
	srv := server.New("127.0.0.1:0", &seed)
	require.NoError(t, srv.Listen())
	addr := srv.Addr().String()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(context.Background())
	}()

	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Quit())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after quit")
	}

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	require.Error(t, err)
}

func TestDisconnectStopsProducer(t *testing.T) {
	addr := startServer(t)

	c := dial(t, addr)
	_, err := c.Open()
	require.NoError(t, err)
	_, err = c.Setup(0, 0, 64, 64, 1, 8)
	require.NoError(t, err)
	_, err = c.ExpTime(0.01)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	// Drop the connection mid-stream; the handler must tear the session
	// down without wedging the server.
	require.NoError(t, c.Close())
	time.Sleep(100 * time.Millisecond)

	fresh := dial(t, addr)
	reply, err := fresh.Version()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reply, "1.0.4 "), "reply %q", reply)
}

func TestDataLengthMatchesDeclaration(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	send := func(cmd string) string {
		_, err := fmt.Fprintf(conn, "%s\n", cmd)
		require.NoError(t, err)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimRight(line, "\n")
	}

	send("open")
	send("setup 0 0 64 64 1 8")
	reply := send("data 100")
	require.Equal(t, "100", reply)

	buf := make([]byte, 100)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	// The stream continues cleanly after the payload.
	require.Equal(t, "idle", send("status"))
}
