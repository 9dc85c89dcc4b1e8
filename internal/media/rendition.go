package media

import (
	"fmt"
	"math"
	"time"
)

const (
	// BaselineHeight and BaselineBitrate anchor the linear bitrate scale.
	BaselineHeight  = 1080
	BaselineBitrate = 4_500_000

	AudioCodec       = "aac"
	AudioBitrate     = 128_000
	// SegmentDuration is fixed for every source, however short. It must stay
	// a multiple of the encoder's 3s GOP.
	SegmentDuration  = 6 * time.Second
	fullFrameRateMin = 720
	cappedFrameRate  = 30
	ladderSteps      = 5
)

// Rendition is one fixed-resolution H.264 output of a source video.
type Rendition struct {
	Width      int
	Height     int
	BitrateBps int
	FrameRate  float64
}

// Key names the rendition's elementary stream.
func (r Rendition) Key() string {
	return fmt.Sprintf("video-%dp", r.Height)
}

// Plan computes the rendition ladder for a source: the source height is
// scaled by 4/5, 3/5, 2/5 and 1/5, each dimension rounded down to an even
// number. Renditions that collapse to zero pixels are dropped.
func Plan(width, height int, fps, duration float64) []Rendition {
	if width <= 0 || height <= 0 {
		return nil
	}

	renditions := make([]Rendition, 0, ladderSteps-1)
	for step := ladderSteps - 1; step >= 1; step-- {
		h := evenFloor(height * step / ladderSteps)
		w := evenFloor(width * step / ladderSteps)
		if h <= 0 || w <= 0 {
			continue
		}
		renditions = append(renditions, Rendition{
			Width:      w,
			Height:     h,
			BitrateBps: BaselineBitrate * h / BaselineHeight,
			FrameRate:  frameRateFor(h, fps),
		})
	}
	return renditions
}

func evenFloor(n int) int {
	return n &^ 1
}

func frameRateFor(height int, fps float64) float64 {
	if fps <= 0 {
		return cappedFrameRate
	}
	if height >= fullFrameRateMin {
		return fps
	}
	return math.Min(fps, cappedFrameRate)
}
