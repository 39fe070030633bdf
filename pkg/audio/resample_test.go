package audio

import "testing"

func TestResampleLinearIdentity(t *testing.T) {
	src := []int16{100, -200, 300, -400, 500}
	out := ResampleLinear(src, 8000, 8000)
	if len(out) != len(src) {
		t.Fatalf("identity resample changed length: %d -> %d", len(src), len(out))
	}
	for i := range src {
		if out[i] != src[i] {
			t.Errorf("identity resample changed sample %d: %d -> %d", i, src[i], out[i])
		}
	}
}

func TestResampleLinearLength(t *testing.T) {
	src := make([]int16, 1600) // 100ms @ 16kHz
	out := ResampleLinear(src, 16000, 8000)

	want := 800 // 100ms @ 8kHz
	diff := len(out) - want
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Errorf("expected length near %d, got %d", want, len(out))
	}
}

func TestResampleLinearUpsample(t *testing.T) {
	src := make([]int16, 800) // 100ms @ 8kHz
	out := ResampleLinear(src, 8000, 16000)

	want := 1600
	diff := len(out) - want
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Errorf("expected length near %d, got %d", want, len(out))
	}
}

func TestResampleLinearClamp(t *testing.T) {
	src := []int16{32767, -32768}
	out := ResampleLinear(src, 8000, 4000)
	for _, s := range out {
		if s > 32767 || s < -32768 {
			t.Errorf("resampled sample out of int16 range: %d", s)
		}
	}
}
