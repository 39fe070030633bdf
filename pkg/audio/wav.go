package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NewWavBuffer wraps raw 16-bit mono PCM in a minimal 44-byte RIFF/WAVE
// header. Used by providers that require a WAV container on upload and by
// tests that need a round-trip fixture for ParseWAV.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	binary.Write(buf, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1))            // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// WavInfo describes a parsed WAV container.
type WavInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	PCM           []byte // mono 16-bit LE samples; downmixed if the source was multi-channel
}

// ParseWAV reads channel count, sample rate and bit depth from a RIFF/WAVE
// header and returns the raw PCM payload. It does not assume a 44-byte
// header: some TTS providers pad the fmt chunk or insert extra chunks
// before the data chunk, so the data FourCC is located by scanning rather
// than by fixed offset. Multi-channel input is downmixed to mono by
// averaging. Anything other than 16-bit PCM is rejected: the rest of this
// module only ever produces or consumes 16-bit samples.
func ParseWAV(data []byte) (WavInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WavInfo{}, fmt.Errorf("audio: not a RIFF/WAVE container")
	}
	if len(data) < 36 {
		return WavInfo{}, fmt.Errorf("audio: WAV header truncated")
	}

	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	sampleRate := int(binary.LittleEndian.Uint32(data[24:28]))
	bitsPerSample := int(binary.LittleEndian.Uint16(data[34:36]))

	dataOffset, dataLen, err := findDataChunk(data)
	if err != nil {
		return WavInfo{}, err
	}

	if bitsPerSample != 16 {
		return WavInfo{}, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bitsPerSample)
	}

	pcm := data[dataOffset : dataOffset+dataLen]
	if channels > 1 {
		pcm = downmixToMono(pcm, channels)
	}

	return WavInfo{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		PCM:           pcm,
	}, nil
}

// findDataChunk scans the RIFF chunk list (starting after the 12-byte
// RIFF/WAVE preamble) for the "data" FourCC, returning its payload's byte
// offset and length. Chunk sizes are always even-padded per the RIFF spec.
func findDataChunk(data []byte) (offset int, length int, err error) {
	pos := 12
	for pos+8 <= len(data) {
		fourCC := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		if fourCC == "data" {
			end := body + chunkSize
			if end > len(data) {
				end = len(data)
			}
			return body, end - body, nil
		}

		pos = body + chunkSize
		if chunkSize%2 == 1 {
			pos++ // RIFF chunks are word-aligned
		}
	}
	return 0, 0, fmt.Errorf("audio: no data chunk found")
}

// downmixToMono averages interleaved multi-channel 16-bit samples into mono.
func downmixToMono(pcm []byte, channels int) []byte {
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)

	for f := 0; f < frames; f++ {
		var sum int32
		for c := 0; c < channels; c++ {
			off := f*frameBytes + c*2
			sample := int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
			sum += int32(sample)
		}
		avg := int16(sum / int32(channels))
		binary.LittleEndian.PutUint16(out[f*2:f*2+2], uint16(avg))
	}
	return out
}
