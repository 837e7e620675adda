//go:build !noopus

package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/hraban/opus.v2"
)

// opusRate is the rate libopusfile always decodes at.
const opusRate = 48000

// decodeOpus decodes an Ogg/Opus stream. TTS providers emit mono Opus.
func decodeOpus(data []byte) (*pcm, error) {
	s, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opus: %w", err)
	}
	defer s.Close()

	var samples []int16
	buf := make([]int16, 5760) // 120ms at 48kHz, the longest Opus frame
	for {
		n, err := s.Read(buf)
		samples = append(samples, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("opus: %w", err)
		}
	}

	return &pcm{samples: samples, rate: opusRate, channels: 1}, nil
}
