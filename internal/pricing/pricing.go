// Package pricing quotes the escrow amount for a task from its type and payload.
// Amounts are integer credits; quotes never come from the caller.
package pricing

import (
	"fmt"
	"unicode/utf8"

	"github.com/basket/go-studio/internal/tasktype"
)

// Per-unit credit costs. Adjust alongside the ledger's top-up packages.
const (
	ImageCreditsPerImage      int64 = 4
	VideoCreditsPerSecond     int64 = 20
	VoiceCharsPerCredit       int64 = 100
	StoryboardBaseCredits     int64 = 10
	StoryboardCreditsPerScene int64 = 2
	defaultStoryboardScenes         = 6
)

// Quote returns the credits to freeze for p. Non-billable payloads quote 0.
func Quote(p tasktype.Payload) (int64, error) {
	switch v := p.(type) {
	case *tasktype.ImagePayload:
		count := v.Count
		if count <= 0 {
			count = 1
		}
		return ImageCreditsPerImage * int64(count), nil
	case *tasktype.VideoPayload:
		if v.DurationSec <= 0 {
			return 0, fmt.Errorf("video duration must be positive, got %d", v.DurationSec)
		}
		return VideoCreditsPerSecond * int64(v.DurationSec), nil
	case *tasktype.VoicePayload:
		chars := int64(utf8.RuneCountInString(v.Text))
		return (chars + VoiceCharsPerCredit - 1) / VoiceCharsPerCredit, nil
	case *tasktype.StoryboardPayload:
		scenes := v.Scenes
		if scenes <= 0 {
			scenes = defaultStoryboardScenes
		}
		return StoryboardBaseCredits + StoryboardCreditsPerScene*int64(scenes), nil
	case *tasktype.AnalyzePayload:
		return 0, nil
	default:
		return 0, fmt.Errorf("no price for payload %T", p)
	}
}
