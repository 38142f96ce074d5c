package media

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((2*mantissa + 33) << uint(exponent)) - 33)
	return sign * sample
}

// UlawSilence is the u-law encoding of a zero sample.
const UlawSilence = 0xFF

// DefaultVoiceThreshold is the mean absolute amplitude above which a frame
// counts as speech.
const DefaultVoiceThreshold = 500

// MeanAmplitude returns the mean absolute linear amplitude of a u-law frame.
func MeanAmplitude(frame []byte) int {
	if len(frame) == 0 {
		return 0
	}
	var sum int
	for _, b := range frame {
		s := int(ulawToLinear[b])
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return sum / len(frame)
}

// Voiced reports whether a u-law frame carries speech energy above threshold.
func Voiced(frame []byte, threshold int) bool {
	return MeanAmplitude(frame) > threshold
}
