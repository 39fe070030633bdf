package audio

import (
	"bytes"
	"testing"
)

func TestNewWavBuffer(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sampleRate := 44100
	wav := NewWavBuffer(pcm, sampleRate)

	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Errorf("Expected RIFF prefix")
	}

	if !bytes.Contains(wav, []byte("WAVE")) {
		t.Errorf("Expected WAVE format identifier")
	}

	expectedLen := 44 + len(pcm)
	if len(wav) != expectedLen {
		t.Errorf("Expected length %d, got %d", expectedLen, len(wav))
	}
}

func TestParseWAVRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	wav := NewWavBuffer(pcm, 24000)

	info, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV failed: %v", err)
	}
	if info.SampleRate != 24000 {
		t.Errorf("expected sample rate 24000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("expected mono, got %d channels", info.Channels)
	}
	if !bytes.Equal(info.PCM, pcm) {
		t.Errorf("expected PCM payload %v, got %v", pcm, info.PCM)
	}
}

func TestParseWAVNonStandardDataOffset(t *testing.T) {
	// Build a WAV with an oversized "fmt " chunk (extra padding bytes) so the
	// data chunk does not begin at the usual offset 44.
	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	writeU32(buf, 0) // patched below
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	fmtChunk := make([]byte, 34) // 16 standard + 18 padding bytes -> non-44 data offset
	fmtChunk[0], fmtChunk[1] = 1, 0 // AudioFormat: PCM
	fmtChunk[2], fmtChunk[3] = 1, 0 // NumChannels: mono
	putU32(fmtChunk[4:8], 16000)    // SampleRate
	putU32(fmtChunk[8:12], 32000)   // ByteRate
	fmtChunk[12], fmtChunk[13] = 2, 0
	fmtChunk[14], fmtChunk[15] = 16, 0 // BitsPerSample
	writeU32(buf, uint32(len(fmtChunk)))
	buf.Write(fmtChunk)

	buf.WriteString("data")
	writeU32(buf, uint32(len(pcm)))
	buf.Write(pcm)

	full := buf.Bytes()
	// patch RIFF size
	putU32(full[4:8], uint32(len(full)-8))

	if len(full) <= 44 {
		t.Fatalf("test fixture must place data beyond offset 44, got total len %d", len(full))
	}

	info, err := ParseWAV(full)
	if err != nil {
		t.Fatalf("ParseWAV failed on non-standard header: %v", err)
	}
	if !bytes.Equal(info.PCM, pcm) {
		t.Errorf("expected PCM payload %v, got %v", pcm, info.PCM)
	}
	if info.SampleRate != 16000 {
		t.Errorf("expected sample rate 16000, got %d", info.SampleRate)
	}
}

func TestParseWAVRejectsNon16Bit(t *testing.T) {
	wav := NewWavBuffer([]byte{1, 2, 3, 4}, 8000)
	// corrupt bits-per-sample field (offset 34) to 8
	wav[34], wav[35] = 8, 0
	if _, err := ParseWAV(wav); err == nil {
		t.Errorf("expected error for non-16-bit WAV")
	}
}

func TestParseWAVDownmixesStereo(t *testing.T) {
	// two stereo frames: (10,20) and (-10,-20)
	pcm := []byte{10, 0, 20, 0, 246, 255, 236, 255}
	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	writeU32(buf, 0)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeU32(buf, 16)
	fmtBody := make([]byte, 16)
	fmtBody[0], fmtBody[1] = 1, 0
	fmtBody[2], fmtBody[3] = 2, 0 // stereo
	putU32(fmtBody[4:8], 8000)
	putU32(fmtBody[8:12], 32000)
	fmtBody[12], fmtBody[13] = 4, 0
	fmtBody[14], fmtBody[15] = 16, 0
	buf.Write(fmtBody)
	buf.WriteString("data")
	writeU32(buf, uint32(len(pcm)))
	buf.Write(pcm)

	full := buf.Bytes()
	putU32(full[4:8], uint32(len(full)-8))

	info, err := ParseWAV(full)
	if err != nil {
		t.Fatalf("ParseWAV failed: %v", err)
	}
	if info.Channels != 2 {
		t.Errorf("expected Channels=2 reported, got %d", info.Channels)
	}
	if len(info.PCM) != 4 {
		t.Fatalf("expected 2 mono samples (4 bytes), got %d bytes", len(info.PCM))
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	putU32(b, v)
	buf.Write(b)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
