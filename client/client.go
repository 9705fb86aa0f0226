// Package client is a thin convenience wrapper over the camera wire protocol:
// dial, send a command, read the reply line, and download binary frames.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoData is returned by Next when no new frame arrived within the timeout.
var ErrNoData = eris.New("no new frame within timeout")

// CameraInfo is the identity block returned by open.
type CameraInfo struct {
	Width    int
	Height   int
	Cooler   int
	Color    int
	BitDepth int
	Model    string
}

// ROI is the readout configuration echoed by setup.
type ROI struct {
	X       int
	Y       int
	Width   int
	Height  int
	Binning int
	Bits    int
}

// Bytes returns the payload size of one frame for this readout.
func (r ROI) Bytes() int {
	return r.Width * r.Height * r.Bits / 8
}

// Frame is one streamed video frame as returned by next.
type Frame struct {
	Seq         int64
	Temperature float64
	CoolerPower float64
	Data        []byte
}

// Client is a connection to a camera server. It is not safe for concurrent
// use; the protocol itself is strictly serial per connection.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	roi  ROI
}

// Dial connects to a camera server at addr ("host:port").
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", addr)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Command sends one command line and returns the raw reply line, including
// any -E error reply.
func (c *Client) Command(cmd string) (string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return "", eris.Wrapf(err, "send %q", cmd)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", eris.Wrapf(err, "read reply to %q", cmd)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// command is Command plus promotion of -E replies to errors.
func (c *Client) command(cmd string) (string, error) {
	reply, err := c.Command(cmd)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "-E") {
		return "", eris.Errorf("%s: camera replied %s", cmd, reply)
	}
	return reply, nil
}

// expectOK sends a command whose only success reply is OK.
func (c *Client) expectOK(cmd string) error {
	reply, err := c.command(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return eris.Errorf("%s: unexpected reply %q", cmd, reply)
	}
	return nil
}

// Version returns the raw version reply: "<version> <cookie> <startup>".
func (c *Client) Version() (string, error) {
	return c.command("version")
}

// SerialNumber returns the camera serial number.
func (c *Client) SerialNumber() (string, error) {
	return c.command("asigetserialnumber")
}

// Open opens the camera and returns its identity.
func (c *Client) Open() (CameraInfo, error) {
	reply, err := c.command("open")
	if err != nil {
		return CameraInfo{}, err
	}
	tok := strings.Fields(reply)
	if len(tok) != 6 {
		return CameraInfo{}, eris.Errorf("open: malformed reply %q", reply)
	}
	nums := make([]int, 5)
	for i := 0; i < 5; i++ {
		nums[i], err = strconv.Atoi(tok[i])
		if err != nil {
			return CameraInfo{}, eris.Wrapf(err, "open: malformed reply %q", reply)
		}
	}
	return CameraInfo{
		Width:    nums[0],
		Height:   nums[1],
		Cooler:   nums[2],
		Color:    nums[3],
		BitDepth: nums[4],
		Model:    tok[5],
	}, nil
}

// CloseCamera closes the camera without dropping the connection.
func (c *Client) CloseCamera() error {
	return c.expectOK("close")
}

// Setup configures the readout region and remembers it so Next can size
// frame payloads.
func (c *Client) Setup(x, y, w, h, bin, bits int) (ROI, error) {
	return c.setup(fmt.Sprintf("setup %d %d %d %d %d %d", x, y, w, h, bin, bits))
}

// SetupPreset issues one of the named setup presets ("def", "image [bin]",
// "video [bin]").
func (c *Client) SetupPreset(preset string) (ROI, error) {
	return c.setup("setup " + preset)
}

func (c *Client) setup(cmd string) (ROI, error) {
	reply, err := c.command(cmd)
	if err != nil {
		return ROI{}, err
	}
	tok := strings.Fields(reply)
	if len(tok) != 6 {
		return ROI{}, eris.Errorf("setup: malformed reply %q", reply)
	}
	nums := make([]int, 6)
	for i := range nums {
		nums[i], err = strconv.Atoi(tok[i])
		if err != nil {
			return ROI{}, eris.Wrapf(err, "setup: malformed reply %q", reply)
		}
	}
	c.roi = ROI{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3], Binning: nums[4], Bits: nums[5]}
	return c.roi, nil
}

// ExpTime sets (seconds > 0 is sent) or reads the exposure time.
func (c *Client) ExpTime(seconds float64) (float64, error) {
	cmd := "exptime"
	if seconds > 0 {
		cmd = fmt.Sprintf("exptime %g", seconds)
	}
	reply, err := c.command(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "exptime: malformed reply %q", reply)
	}
	return v, nil
}

// Gain sets the gain.
func (c *Client) Gain(v int) error {
	_, err := c.command(fmt.Sprintf("gain %d", v))
	return err
}

// Offset sets the offset.
func (c *Client) Offset(v int) error {
	_, err := c.command(fmt.Sprintf("offset %d", v))
	return err
}

// Expose starts a still exposure.
func (c *Client) Expose() error {
	return c.expectOK("expose")
}

// Status returns the state word ("closed", "idle", "exposing <elapsed>",
// "streaming").
func (c *Client) Status() (string, error) {
	return c.command("status")
}

// Data downloads the current frame. max > 0 caps the payload size.
func (c *Client) Data(max int) ([]byte, error) {
	cmd := "data"
	if max > 0 {
		cmd = fmt.Sprintf("data %d", max)
	}
	reply, err := c.command(cmd)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(reply)
	if err != nil {
		return nil, eris.Wrapf(err, "data: malformed length %q", reply)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, eris.Wrap(err, "data: short payload")
	}
	return buf, nil
}

// Start begins video streaming.
func (c *Client) Start() error {
	return c.expectOK("start")
}

// Stop ends video streaming.
func (c *Client) Stop() error {
	return c.expectOK("stop")
}

// Next waits up to timeout seconds for a frame newer than the last one
// delivered on this connection. Setup (or SetupPreset) must have been called
// so the frame size is known. Returns ErrNoData on timeout.
func (c *Client) Next(timeout float64) (Frame, error) {
	if c.roi.Bytes() == 0 {
		return Frame{}, eris.New("next: setup required before streaming")
	}
	reply, err := c.Command(fmt.Sprintf("next %g", timeout))
	if err != nil {
		return Frame{}, err
	}
	if reply == "-Enodata" {
		return Frame{}, ErrNoData
	}
	if strings.HasPrefix(reply, "-E") {
		return Frame{}, eris.Errorf("next: camera replied %s", reply)
	}

	tok := strings.Fields(reply)
	if len(tok) != 3 {
		return Frame{}, eris.Errorf("next: malformed reply %q", reply)
	}
	var f Frame
	if f.Seq, err = strconv.ParseInt(tok[0], 10, 64); err != nil {
		return Frame{}, eris.Wrapf(err, "next: malformed reply %q", reply)
	}
	if f.Temperature, err = strconv.ParseFloat(tok[1], 64); err != nil {
		return Frame{}, eris.Wrapf(err, "next: malformed reply %q", reply)
	}
	if f.CoolerPower, err = strconv.ParseFloat(tok[2], 64); err != nil {
		return Frame{}, eris.Wrapf(err, "next: malformed reply %q", reply)
	}

	f.Data = make([]byte, c.roi.Bytes())
	if _, err := io.ReadFull(c.r, f.Data); err != nil {
		return Frame{}, eris.Wrap(err, "next: short payload")
	}
	return f, nil
}

// Temperature reads the sensor temperature and cooler power without changing
// the target.
func (c *Client) Temperature() (temp, power float64, err error) {
	reply, err := c.command("tempcon")
	if err != nil {
		return 0, 0, err
	}
	tok := strings.Fields(reply)
	if len(tok) != 2 {
		return 0, 0, eris.Errorf("tempcon: malformed reply %q", reply)
	}
	if temp, err = strconv.ParseFloat(tok[0], 64); err != nil {
		return 0, 0, eris.Wrapf(err, "tempcon: malformed reply %q", reply)
	}
	if power, err = strconv.ParseFloat(tok[1], 64); err != nil {
		return 0, 0, eris.Wrapf(err, "tempcon: malformed reply %q", reply)
	}
	return temp, power, nil
}

// Quit asks the server to shut down.
func (c *Client) Quit() error {
	return c.expectOK("quit")
}
