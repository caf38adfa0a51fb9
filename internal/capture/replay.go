package capture

import (
	"fmt"
	"time"

	"github.com/serebryakov7/j1939-gateway/internal/canbus"
)

// Replayer feeds a previously captured sequence of frames into a
// canbus.Port, reproducing the recorded inter-frame timing (scaled by
// Speed) or as fast as possible when Speed is non-positive.
type Replayer struct {
	Frames       []RecordedFrame
	Speed        float64
	CurrentFrame int
}

// NewReplayer creates a Replayer over frames at real-time speed.
func NewReplayer(frames []RecordedFrame) *Replayer {
	return &Replayer{Frames: frames, Speed: 1.0}
}

// SetSpeed sets the replay speed multiplier. Non-positive speeds play
// every frame back-to-back with no delay.
func (r *Replayer) SetSpeed(speed float64) {
	r.Speed = speed
}

// Play sends every frame in order to port, honoring the recorded
// inter-frame gaps scaled by Speed.
func (r *Replayer) Play(port canbus.Port) error {
	if len(r.Frames) == 0 {
		return fmt.Errorf("capture: nothing to replay")
	}

	start := time.Now()
	sessionStart := r.Frames[0].Timestamp

	for i, rf := range r.Frames {
		r.CurrentFrame = i

		if r.Speed > 0 {
			targetOffset := rf.Timestamp.Sub(sessionStart)
			adjusted := time.Duration(float64(targetOffset) / r.Speed)
			elapsed := time.Since(start)
			if elapsed < adjusted {
				time.Sleep(adjusted - elapsed)
			}
		}

		if err := port.Send(rf.Frame); err != nil {
			return fmt.Errorf("capture: replay frame %d: %w", i, err)
		}
	}

	r.CurrentFrame = len(r.Frames)
	return nil
}

// Progress returns the fraction of frames already replayed, in [0,1].
func (r *Replayer) Progress() float64 {
	if len(r.Frames) == 0 {
		return 0
	}
	return float64(r.CurrentFrame) / float64(len(r.Frames))
}
