package camera

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Wire error replies. These are protocol-level results, not Go errors: a
// client that receives one can recover by issuing another command.
const (
	errNotOpen        = "-Eerr=21"
	errNotIdle        = "-Eerr=22"
	errNoData         = "-Eerr=23"
	errNotStreaming   = "-Eerr=24"
	errUnknownCommand = "-Eunknown command"
	errInvalidCommand = "-Einvalid command"
	errNoFrame        = "-Enodata"

	replyOK = "OK"
)

// nextPollInterval is how often the next command re-checks the frame counter
// while waiting, with the session lock released.
const nextPollInterval = 5 * time.Millisecond

// tempStep is how far one tempcon invocation moves the sensor temperature
// toward the target.
const tempStep = 0.5

// Result is the outcome of one dispatched command. Reply is the single ASCII
// reply line without its terminator; Payload, when non-nil, follows the reply
// on the wire. Quit reports that the client asked the whole server to stop.
type Result struct {
	Reply   string
	Payload []byte
	Quit    bool
}

func textResult(reply string) (Result, error) {
	return Result{Reply: reply}, nil
}

// Dispatch parses and executes one command line against the session. The
// returned error is fatal to the connection (malformed numeric arguments,
// mirroring the reference emulator, whose per-connection handler crashed on
// such input); everything recoverable is expressed in Result.Reply.
//
// Dispatch runs under the session lock. The exceptions are the wait inside
// next, which releases the lock while polling so the producer can publish,
// and the producer join in close and stop, which releases it while waiting
// for the producer to exit.
func (c *Camera) Dispatch(line string) (Result, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return textResult(errInvalidCommand)
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd {
	case "version":
		return textResult(fmt.Sprintf("%s %d %d", Version, c.cookie, c.startupTime))

	case "offtime":
		if len(args) > 0 {
			t, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return Result{}, eris.Wrapf(err, "offtime: bad timestamp %q", args[0])
			}
			c.offtime = time.Now().Unix() - t
		}
		return textResult(strconv.FormatInt(c.offtime, 10))

	case "asigetnum":
		return textResult("1")

	case "asigetserialnumber":
		return textResult(c.serialNumber)

	case "open":
		if c.state == StateClosed {
			c.state = StateIdle
		}
		return textResult(fmt.Sprintf("%d %d %d %d %d %s",
			c.width, c.height, c.cooler, c.color, c.bitDepth, c.model))

	case "close":
		if c.state != StateClosed {
			c.state = StateClosed
			c.joinVideoLocked()
		}
		return textResult(replyOK)

	case "setup":
		return c.setup(args)

	case "exptime":
		if c.state == StateClosed {
			return textResult(errNotOpen)
		}
		if len(args) > 0 {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return Result{}, eris.Wrapf(err, "exptime: bad value %q", args[0])
			}
			c.expTime = v
		}
		return textResult(fmt.Sprintf("%.6f", c.expTime))

	case "gain":
		if c.state == StateClosed {
			return textResult(errNotOpen)
		}
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return Result{}, eris.Wrapf(err, "gain: bad value %q", args[0])
			}
			c.gain = v
		}
		return textResult(strconv.Itoa(c.gain))

	case "offset":
		if c.state == StateClosed {
			return textResult(errNotOpen)
		}
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return Result{}, eris.Wrapf(err, "offset: bad value %q", args[0])
			}
			c.offset = v
		}
		return textResult(strconv.Itoa(c.offset))

	case "status":
		if c.state == StateExposing {
			elapsed := time.Since(c.exposureStart).Seconds()
			if elapsed >= c.expTime {
				c.state = StateIdle
				return textResult(StateIdle.String())
			}
			return textResult(fmt.Sprintf("exposing %.1f", elapsed))
		}
		return textResult(c.state.String())

	case "expose":
		if c.state != StateIdle {
			return textResult(errNotIdle)
		}
		c.exposureStart = time.Now()
		c.state = StateExposing
		return textResult(replyOK)

	case "data":
		return c.data(args)

	case "tempcon":
		if len(args) > 0 {
			if strings.EqualFold(args[0], "off") {
				c.coolerPower = 0
			} else {
				v, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return Result{}, eris.Wrapf(err, "tempcon: bad target %q", args[0])
				}
				c.targetTemp = v
				if c.temperature > c.targetTemp {
					c.temperature = math.Max(c.targetTemp, c.temperature-tempStep)
				} else if c.temperature < c.targetTemp {
					c.temperature = math.Min(c.targetTemp, c.temperature+tempStep)
				}
				c.coolerPower = clampF(50+(c.temperature-c.targetTemp)*5, 0, 100)
			}
		}
		return textResult(fmt.Sprintf("%.1f %.0f", c.temperature, c.coolerPower))

	case "fancon":
		if len(args) > 0 {
			switch {
			case strings.EqualFold(args[0], "on"):
				c.fanOn = 1
			case strings.EqualFold(args[0], "off"):
				c.fanOn = 0
			}
		}
		return textResult(strconv.Itoa(c.fanOn))

	case "filters":
		return textResult(strconv.Itoa(c.filterCount))

	case "filter":
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return Result{}, eris.Wrapf(err, "filter: bad position %q", args[0])
			}
			c.filterPosition = v
		}
		return textResult(strconv.Itoa(c.filterPosition))

	case "start":
		if c.state != StateIdle {
			return textResult(errNotIdle)
		}
		c.state = StateStreaming
		c.startVideoLocked()
		return textResult(replyOK)

	case "stop":
		if c.state == StateStreaming {
			c.state = StateIdle
			c.joinVideoLocked()
		}
		return textResult(replyOK)

	case "next":
		return c.next(args)

	case "quit":
		return Result{Reply: replyOK, Quit: true}, nil

	default:
		return textResult(errUnknownCommand)
	}
}

// setup handles the ROI configuration variants: "def..." (report only),
// "image [bin]" / "video [bin]" full-sensor presets, or six numeric
// arguments x y w h bin bits with width/height alignment.
func (c *Camera) setup(args []string) (Result, error) {
	if c.state != StateIdle {
		return textResult(errNotIdle)
	}

	if len(args) > 0 {
		mode := strings.ToLower(args[0])
		switch {
		case strings.HasPrefix(mode, "def"):
			// Report current values only.

		case strings.HasPrefix(mode, "image"), strings.HasPrefix(mode, "video"):
			bin := 1
			if len(args) > 1 {
				v, err := strconv.Atoi(args[1])
				if err != nil {
					return Result{}, eris.Wrapf(err, "setup: bad binning %q", args[1])
				}
				bin = v
			}
			c.roiX = 0
			c.roiY = 0
			c.binning = bin
			c.roiW = c.width / bin
			c.roiH = c.height / bin
			if strings.HasPrefix(mode, "image") {
				c.bits = 16
			} else {
				c.bits = 8
			}

		case len(args) >= 6:
			vals := make([]int, 6)
			for i := 0; i < 6; i++ {
				v, err := strconv.Atoi(args[i])
				if err != nil {
					return Result{}, eris.Wrapf(err, "setup: bad argument %q", args[i])
				}
				vals[i] = v
			}
			c.roiX, c.roiY = vals[0], vals[1]
			c.roiW, c.roiH = vals[2], vals[3]
			c.binning, c.bits = vals[4], vals[5]
			// The sensor reads out rows in 8-pixel, 2-row units.
			c.roiW = c.roiW / 8 * 8
			c.roiH = c.roiH / 2 * 2
			if c.roiW < 0 {
				c.roiW = 0
			}
			if c.roiH < 0 {
				c.roiH = 0
			}
		}
	}

	return textResult(fmt.Sprintf("%d %d %d %d %d %d",
		c.roiX, c.roiY, c.roiW, c.roiH, c.binning, c.bits))
}

// data produces one frame. While streaming it hands out the latest published
// frame without advancing the delivery counter; while idle it synthesizes a
// fresh still frame. A finished exposure is folded to idle first.
func (c *Camera) data(args []string) (Result, error) {
	if c.state == StateExposing && time.Since(c.exposureStart).Seconds() >= c.expTime {
		c.state = StateIdle
	}

	var img []byte
	switch {
	case c.state == StateStreaming:
		if len(c.videoData) == 0 {
			return textResult(errNoData)
		}
		img = c.videoData
	case c.state != StateIdle:
		return textResult(errNotIdle)
	default:
		img = c.renderFrame(false)
	}

	if len(args) > 0 {
		maxSize, err := strconv.Atoi(args[0])
		if err != nil {
			return Result{}, eris.Wrapf(err, "data: bad max size %q", args[0])
		}
		if maxSize > 0 && maxSize < len(img) {
			img = img[:maxSize]
		}
	}

	return Result{Reply: strconv.Itoa(len(img)), Payload: img}, nil
}

// next blocks until the producer publishes a frame newer than the last one
// delivered on this connection, or the timeout elapses. The session lock is
// released for the whole wait so the producer can make progress; clients that
// fall behind skip straight to the newest frame.
func (c *Camera) next(args []string) (Result, error) {
	if c.state != StateStreaming {
		return textResult(errNotStreaming)
	}

	var timeout float64
	if len(args) > 0 {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return Result{}, eris.Wrapf(err, "next: bad timeout %q", args[0])
		}
		timeout = v
	}

	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
	last := c.videoLast

	c.mu.Unlock()
	for {
		c.mu.Lock()
		seq := c.videoSeq
		c.mu.Unlock()
		if seq > last || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(nextPollInterval)
	}
	c.mu.Lock()

	if c.videoSeq <= last {
		return textResult(errNoFrame)
	}
	c.videoLast = c.videoSeq
	return Result{
		Reply:   fmt.Sprintf("%d %.1f %.0f", c.videoLast, c.temperature, c.coolerPower),
		Payload: c.videoData,
	}, nil
}
