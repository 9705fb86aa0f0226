// Package camera implements the emulated ZWO camera: the per-connection
// session state machine, the command dispatcher, the video-frame producer and
// the image synthesizer. One Camera belongs to exactly one connection; the
// connection handler owns it and the video producer shares it under the
// session mutex.
package camera

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Version is the protocol version reported by the version command.
const Version = "1.0.4"

// State is the session state of the emulated camera.
type State uint8

const (
	StateClosed State = iota
	StateIdle
	StateExposing
	StateStreaming
)

// String returns the state word used on the wire by the status command.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateExposing:
		return "exposing"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Default camera identity, modeled on an ASI294MM Pro.
const (
	DefaultWidth    = 4656
	DefaultHeight   = 3520
	DefaultCooler   = 1
	DefaultColor    = 0
	DefaultBitDepth = 12
	DefaultModel    = "ASI294MM_Pro"
)

// serialNumbers is the fixed table the session serial is drawn from. The
// index is drawn from the session RNG right after the cookie, before any
// frame synthesis, so a given seed always maps to the same serial.
var serialNumbers = [...]string{
	"02a1b3c4d5e6f789",
	"124494e37ecc280e",
	"98f7e6d5c4b3a210",
}

// videoJoinGrace bounds how long stop and teardown wait for the producer.
const videoJoinGrace = time.Second

// Options configures a new Camera.
type Options struct {
	// Seed seeds the session RNG. Nil selects a nondeterministic seed.
	Seed *int64

	// StartupTime is the unix time reported by the version command.
	// Zero means "now".
	StartupTime int64
}

// Camera holds the full state of one emulated camera session. All fields are
// guarded by mu; the dispatcher and the video producer both take the lock
// before touching them.
type Camera struct {
	mu sync.Mutex

	state State

	// Identity, fixed at construction.
	width        int
	height       int
	cooler       int
	color        int
	bitDepth     int
	model        string
	serialNumber string

	startupTime int64
	cookie      uint32
	offtime     int64

	// ROI, after binning.
	roiX    int
	roiY    int
	roiW    int
	roiH    int
	binning int
	bits    int

	expTime       float64
	gain          int
	offset        int
	exposureStart time.Time

	temperature float64
	targetTemp  float64
	coolerPower float64
	fanOn       int

	filterCount    int
	filterPosition int

	// Video stream, valid while state == StateStreaming. videoDone doubles
	// as the producer generation: a stale producer whose channel no longer
	// matches must not publish into a newer stream.
	videoSeq  int64
	videoLast int64
	videoData []byte
	videoDone chan struct{}

	// Drifting guide star, reset on each stream start.
	starCenterX     float64
	starCenterY     float64
	starX           float64
	starY           float64
	starInitialized bool

	src rand.Source
	rng *rand.Rand
}

// New creates a camera session in the closed state.
func New(opts Options) *Camera {
	var src rand.Source
	if opts.Seed != nil {
		src = rand.NewPCG(uint64(*opts.Seed), 0)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	rng := rand.New(src)

	startup := opts.StartupTime
	if startup == 0 {
		startup = time.Now().Unix()
	}

	c := &Camera{
		state: StateClosed,

		width:       DefaultWidth,
		height:      DefaultHeight,
		cooler:      DefaultCooler,
		color:       DefaultColor,
		bitDepth:    DefaultBitDepth,
		model:       DefaultModel,
		startupTime: startup,
		offtime:     0,

		roiX:    0,
		roiY:    0,
		roiW:    DefaultWidth,
		roiH:    DefaultHeight,
		binning: 1,
		bits:    16,

		expTime: 0.02,
		gain:    0,
		offset:  10,

		temperature: -10.0,
		targetTemp:  -10.0,
		coolerPower: 50.0,
		fanOn:       1,

		filterCount:    7,
		filterPosition: 0,

		src: src,
		rng: rng,
	}

	// Draw order matters for seed stability: cookie first, then serial.
	c.cookie = rng.Uint32()
	c.serialNumber = serialNumbers[rng.IntN(len(serialNumbers))]

	return c
}

// State returns the current session state.
func (c *Camera) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SerialNumber returns the serial drawn for this session.
func (c *Camera) SerialNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serialNumber
}

// Teardown forces the session closed and joins any running video producer.
// The connection handler calls it exactly once when the connection ends.
func (c *Camera) Teardown() {
	c.mu.Lock()
	c.state = StateClosed
	c.joinVideoLocked()
	c.mu.Unlock()
}
