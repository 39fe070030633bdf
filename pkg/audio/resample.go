package audio

// ResampleLinear resamples a linear PCM signal from srcRate to dstRate using
// linear interpolation between adjacent source samples. There is no
// anti-alias filter: the destination rate used throughout this module is
// always the fixed 8kHz telephony rate, and sources are typically
// 16000/22050/24000Hz, so the aliasing introduced is below what a phone
// line conveys anyway.
func ResampleLinear(src []int16, srcRate, dstRate int) []int16 {
	if srcRate == dstRate || len(src) == 0 {
		out := make([]int16, len(src))
		copy(out, src)
		return out
	}

	dstLen := (len(src)*dstRate + srcRate - 1) / srcRate // ceil
	out := make([]int16, dstLen)

	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		var a, b int16
		a = src[idx]
		if idx+1 < len(src) {
			b = src[idx+1]
		} else {
			b = src[idx]
		}

		sample := float64(a) + (float64(b)-float64(a))*frac
		out[i] = clampInt16(sample)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
