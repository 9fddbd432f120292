//go:build !linux

package rtp

// applyVoiceSockOpts на прочих платформах ограничивается размерами буферов.
func applyVoiceSockOpts(_ uintptr, _ int) error {
	return nil
}
