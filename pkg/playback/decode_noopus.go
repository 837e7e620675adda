//go:build noopus

package playback

import "fmt"

// decodeOpus is unavailable in builds without libopusfile.
func decodeOpus([]byte) (*pcm, error) {
	return nil, fmt.Errorf("%w: built with noopus", ErrUnsupportedFormat)
}
