package camera

import (
	"time"

	"github.com/rs/zerolog/log"
)

// startVideoLocked resets the stream counters and the star drift, then spawns
// the producer goroutine. Callers must hold c.mu with state already set to
// StateStreaming.
func (c *Camera) startVideoLocked() {
	c.videoSeq = 0
	c.videoLast = 0
	c.videoData = nil
	c.starInitialized = false

	done := make(chan struct{})
	c.videoDone = done
	go c.videoLoop(done)
}

// videoLoop is the producer: while the session is streaming it sleeps for one
// exposure time, then publishes a fresh frame under the lock and bumps the
// sequence counter. The done channel identifies this producer's generation; a
// restarted stream installs a new channel, which makes a stale producer exit
// instead of publishing into the new stream.
func (c *Camera) videoLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		if c.state != StateStreaming || c.videoDone != done {
			c.mu.Unlock()
			return
		}
		interval := time.Duration(c.expTime * float64(time.Second))
		c.mu.Unlock()

		time.Sleep(interval)

		c.mu.Lock()
		if c.state != StateStreaming || c.videoDone != done {
			c.mu.Unlock()
			return
		}
		c.videoData = c.renderFrame(true)
		c.videoSeq++
		seq := c.videoSeq
		c.mu.Unlock()

		log.Trace().Int64("seq", seq).Msg("video frame published")
	}
}

// joinVideoLocked detaches the current producer and waits for it to exit,
// bounded by videoJoinGrace. Callers must hold c.mu and must already have
// moved the state out of StateStreaming; the lock is released during the wait
// so the producer can observe the change.
func (c *Camera) joinVideoLocked() {
	done := c.videoDone
	c.videoDone = nil
	if done == nil {
		return
	}

	c.mu.Unlock()
	select {
	case <-done:
	case <-time.After(videoJoinGrace):
		log.Warn().Msg("video producer did not stop within grace period")
	}
	c.mu.Lock()
}
