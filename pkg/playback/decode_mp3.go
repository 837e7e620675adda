package playback

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/teslashibe/voxchat/pkg/audioio"
)

// decodeMP3 decodes an MP3 stream. go-mp3 always produces 16-bit
// little-endian stereo at the stream's sample rate.
func decodeMP3(data []byte) (*pcm, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}

	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}

	return &pcm{
		samples:  audioio.BytesToSamples(raw),
		rate:     d.SampleRate(),
		channels: 2,
	}, nil
}
