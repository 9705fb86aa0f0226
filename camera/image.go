package camera

import (
	"encoding/binary"
	"math"
	mathrand "math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// expRandSource adapts a math/rand/v2 Source to the golang.org/x/exp/rand
// Source interface that gonum's distuv package expects. Seed is a no-op: the
// underlying v2 source is already seeded at construction and distuv never
// reseeds it.
type expRandSource struct {
	mathrand.Source
}

func (expRandSource) Seed(uint64) {}

// Noise model constants. Base levels are in ADU before gain; the star density
// is the expected fraction of pixels replaced by a field star in still mode.
const (
	baseLevel8   = 30
	baseLevel16  = 200
	readNoise16  = 5.0
	starDensity  = 1e-4
	starSigma8   = 2.0
	starSigma16  = 2.5
	starLevel8   = 180.0
	starFraction = 0.7
)

// renderFrame synthesizes one raw frame for the current ROI and bit depth.
// video selects the streaming model (single drifting Gaussian star) over the
// still model (sprinkled field stars). Callers must hold c.mu: the synthesizer
// consumes the session RNG and, in video mode, advances the star position.
func (c *Camera) renderFrame(video bool) []byte {
	if c.bits == 8 {
		return c.render8(video)
	}
	return c.render16(video)
}

// render8 produces an 8-bit frame: Poisson sky background, then either the
// tracking star or a sprinkling of field stars.
func (c *Camera) render8(video bool) []byte {
	w, h := c.roiW, c.roiH
	size := w * h

	sky := distuv.Poisson{Lambda: float64(baseLevel8 + c.offset), Src: expRandSource{c.src}}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(int(sky.Rand()))
	}

	if video {
		x, y := c.advanceStar()
		drawGaussianStar(w, h, x, y, starLevel8, starSigma8, func(idx int, v float64) {
			buf[idx] = byte(clampF(float64(buf[idx])+v, 0, 255))
		})
		return buf
	}

	for n := int(float64(size) * starDensity); n > 0; n-- {
		buf[c.rng.IntN(size)] = byte(100 + c.rng.IntN(155))
	}
	return buf
}

// render16 produces a 16-bit little-endian frame: Poisson sky background plus
// Gaussian read noise, clamped to the ADC range.
func (c *Camera) render16(video bool) []byte {
	w, h := c.roiW, c.roiH
	size := w * h
	maxVal := float64(int(1)<<c.bitDepth - 1)

	sky := distuv.Poisson{Lambda: float64(baseLevel16 + c.offset*10), Src: expRandSource{c.src}}
	read := distuv.Normal{Mu: 0, Sigma: readNoise16, Src: expRandSource{c.src}}
	pix := make([]uint16, size)
	for i := range pix {
		pix[i] = uint16(clampF(sky.Rand()+read.Rand(), 0, maxVal))
	}

	if video {
		x, y := c.advanceStar()
		drawGaussianStar(w, h, x, y, starFraction*maxVal, starSigma16, func(idx int, v float64) {
			pix[idx] = uint16(clampF(float64(pix[idx])+v, 0, maxVal))
		})
	} else {
		low := int(0.3 * maxVal)
		for n := int(float64(size) * starDensity); n > 0; n-- {
			pix[c.rng.IntN(size)] = uint16(low + c.rng.IntN(int(maxVal)-low))
		}
	}

	out := make([]byte, 2*size)
	for i, v := range pix {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// advanceStar updates the drifting star position and returns it. The first
// frame of a stream seeds the star near the ROI midpoint; later frames random
// walk it, held within 10 px of the center and clear of the frame edges.
func (c *Camera) advanceStar() (float64, float64) {
	w, h := float64(c.roiW), float64(c.roiH)
	if !c.starInitialized {
		c.starCenterX = w / 2
		c.starCenterY = h / 2
		c.starX = c.starCenterX + c.uniform(-5, 5)
		c.starY = c.starCenterY + c.uniform(-5, 5)
		c.starInitialized = true
		return c.starX, c.starY
	}

	c.starX += c.uniform(-2, 2)
	c.starY += c.uniform(-2, 2)
	c.starX = clampF(c.starX, c.starCenterX-10, c.starCenterX+10)
	c.starY = clampF(c.starY, c.starCenterY-10, c.starCenterY+10)
	c.starX = clampF(c.starX, 10, w-10)
	c.starY = clampF(c.starY, 10, h-10)
	return c.starX, c.starY
}

func (c *Camera) uniform(lo, hi float64) float64 {
	return distuv.Uniform{Min: lo, Max: hi, Src: expRandSource{c.src}}.Rand()
}

// drawGaussianStar evaluates a sub-pixel isotropic Gaussian of the given
// brightness and sigma at (x, y) and feeds each contribution inside a
// ceil(5*sigma) half-width box, clipped to the frame, to add.
func drawGaussianStar(w, h int, x, y, brightness, sigma float64, add func(idx int, v float64)) {
	radius := int(math.Ceil(5 * sigma))
	xi := int(math.Round(x))
	yi := int(math.Round(y))

	xmin := max(0, xi-radius)
	xmax := min(w, xi+radius+1)
	ymin := max(0, yi-radius)
	ymax := min(h, yi+radius+1)

	twoSigmaSq := 2 * sigma * sigma
	for py := ymin; py < ymax; py++ {
		for px := xmin; px < xmax; px++ {
			dx := float64(px) - x
			dy := float64(py) - y
			add(py*w+px, brightness*math.Exp(-(dx*dx+dy*dy)/twoSigmaSq))
		}
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
