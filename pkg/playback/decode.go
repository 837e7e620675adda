package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/teslashibe/voxchat/pkg/audioio"
)

// DefaultPCMRate is assumed for raw PCM payloads without a rate parameter.
// OpenAI's "pcm" response format is 24kHz mono.
const DefaultPCMRate = 24000

// pcm is decoded, interleaved PCM16 audio.
type pcm struct {
	samples  []int16
	rate     int
	channels int
}

// decode turns an encoded payload into PCM16. An empty or generic MIME type
// is resolved by sniffing the payload's magic bytes. Headerless PCM is only
// accepted when the MIME type names it.
func decode(data []byte, mimeType string) (*pcm, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = sniff(data)
		params = nil
	}

	switch strings.ToLower(mediaType) {
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		samples, rate, ch, err := audioio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		return &pcm{samples: samples, rate: rate, channels: ch}, nil

	case "audio/pcm", "audio/x-pcm", "audio/raw":
		return decodeRaw(data, params, binary.LittleEndian)

	case "audio/l16":
		// RFC 2586: network byte order
		return decodeRaw(data, params, binary.BigEndian)

	case "audio/mpeg", "audio/mp3", "audio/mpeg3", "audio/x-mpeg":
		return decodeMP3(data)

	case "audio/ogg", "audio/opus":
		return decodeOpus(data)

	case "":
		return nil, fmt.Errorf("%w: unrecognized payload with MIME type %q", ErrUnsupportedFormat, mimeType)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}
}

func decodeRaw(data []byte, params map[string]string, order binary.ByteOrder) (*pcm, error) {
	rate := DefaultPCMRate
	if v, ok := params["rate"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid rate parameter %q", v)
		}
		rate = n
	}
	channels := 1
	if v, ok := params["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid channels parameter %q", v)
		}
		channels = n
	}

	if frame := 2 * channels; len(data)%frame != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrTruncatedPCM, len(data), frame)
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(order.Uint16(data[i*2:]))
	}
	return &pcm{samples: samples, rate: rate, channels: channels}, nil
}

// sniff identifies a container by its leading bytes. It returns "" when
// none matches.
func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "audio/wav"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(data, []byte("ID3")):
		return "audio/mpeg"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	default:
		return ""
	}
}

// toSink converts decoded audio to the sink's profile: downmix, resample,
// then duplicate to the sink's channel count.
func toSink(p *pcm, cfg audioio.Config) []int16 {
	mono := audioio.Downmix(p.samples, p.channels)
	mono = audioio.Resample(mono, p.rate, cfg.SampleRate)
	if cfg.Channels <= 1 {
		return mono
	}

	out := make([]int16, len(mono)*cfg.Channels)
	for i, s := range mono {
		for c := 0; c < cfg.Channels; c++ {
			out[i*cfg.Channels+c] = s
		}
	}
	return out
}
