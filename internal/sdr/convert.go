package sdr

import (
	"encoding/binary"
	"math"
)

const (
	// AD9361 ADC samples are 12 bit, sign extended into 16 bit words.
	adcScale = 1.0 / 2048.0
	dacScale = 32767.0
	// rtl_tcp delivers unsigned 8 bit I/Q centred on 127.5.
	u8Offset = 127.5
)

// complexToInt16LE packs src as interleaved little-endian int16 I/Q into dst,
// growing it when needed.
func complexToInt16LE(dst []byte, src []complex64) []byte {
	need := len(src) * 4
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*4:], uint16(floatToInt16(real(v))))
		binary.LittleEndian.PutUint16(dst[i*4+2:], uint16(floatToInt16(imag(v))))
	}
	return dst
}

// int16LEToComplex unpacks interleaved little-endian int16 I/Q from src and
// returns the number of samples written to dst.
func int16LEToComplex(dst []complex64, src []byte) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		iv := int16(binary.LittleEndian.Uint16(src[i*4:]))
		qv := int16(binary.LittleEndian.Uint16(src[i*4+2:]))
		dst[i] = complex(float32(iv)*adcScale, float32(qv)*adcScale)
	}
	return n
}

// u8ToComplex unpacks rtl_tcp samples and returns the number of samples
// written to dst.
func u8ToComplex(dst []complex64, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = complex(
			(float32(src[2*i])-u8Offset)/u8Offset,
			(float32(src[2*i+1])-u8Offset)/u8Offset,
		)
	}
	return n
}

func floatToInt16(v float32) int16 {
	scaled := int(math.Round(float64(v) * dacScale))
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}
