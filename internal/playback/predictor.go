package playback

import (
	"math"
	"time"
)

// StartFramePredictor estimates where the idle loop will be when a clip
// that is about to be requested becomes ready, so the clip can start from
// that frame and blend in without a jump.
type StartFramePredictor struct {
	FPS        int
	IdleFrames int
	// TransferLatency is the fixed cost of moving files to and from the
	// lipsync service.
	TransferLatency time.Duration
	// MinGeneration is the fixed cost of any lipsync request.
	MinGeneration time.Duration
	// GenerationPerSecond is the lipsync time per second of audio.
	GenerationPerSecond time.Duration
}

// Predict returns the start frame and direction for a clip whose audio,
// together with everything queued ahead of it, lasts duration seconds.
// current and reversed describe the idle loop now.
func (p StartFramePredictor) Predict(duration float64, current int, reversed bool) (int, bool) {
	frames := float64(p.IdleFrames)
	if frames <= 0 || p.FPS <= 0 {
		return 0, reversed
	}
	totalMS := float64(p.GenerationPerSecond.Milliseconds())*duration +
		float64(p.TransferLatency.Milliseconds()) +
		float64(p.MinGeneration.Milliseconds())
	adjustment := totalMS / 1000 * float64(p.FPS)
	for adjustment > frames {
		reversed = !reversed
		adjustment -= frames
	}

	var index float64
	if reversed {
		index = float64(current) - adjustment
		if index < 0 {
			reversed = !reversed
			index = -index
		}
	} else {
		index = float64(current) + adjustment
		if index > frames {
			reversed = !reversed
			index = frames - (index - frames)
		}
	}
	start := int(math.Ceil(index))
	if start >= p.IdleFrames {
		start = p.IdleFrames - 1
	}
	if start < 0 {
		start = 0
	}
	return start, reversed
}
