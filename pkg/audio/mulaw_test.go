package audio

import "testing"

func TestMuLawRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 32767, -32768, 8192, -8192}
	encoded := MuLawEncode(samples)
	decoded := MuLawDecode(encoded)

	if len(decoded) != len(samples) {
		t.Fatalf("expected %d decoded samples, got %d", len(samples), len(decoded))
	}

	for i, want := range samples {
		got := decoded[i]
		diff := int(want) - int(got)
		if diff < 0 {
			diff = -diff
		}
		// G.711 mu-law quantization error grows with the segment; bound it
		// generously relative to the input magnitude rather than a single
		// fixed tolerance.
		bound := int(want)/32 + 64
		if bound < 0 {
			bound = -bound
		}
		if diff > bound {
			t.Errorf("sample %d: round trip %d -> %d differs by %d (bound %d)", i, want, got, diff, bound)
		}
	}
}

func TestMuLawEncodeLength(t *testing.T) {
	samples := make([]int16, 160)
	encoded := MuLawEncode(samples)
	if len(encoded) != len(samples) {
		t.Errorf("expected 1 mu-law byte per sample, got %d bytes for %d samples", len(encoded), len(samples))
	}
}

func TestMuLawSilence(t *testing.T) {
	encoded := MuLawEncode([]int16{0})
	decoded := MuLawDecode(encoded)
	if decoded[0] != 0 {
		t.Errorf("expected silence to round-trip near zero, got %d", decoded[0])
	}
}
