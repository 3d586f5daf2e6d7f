package audio

import (
	"encoding/binary"
	"math"
)

// RMS calculates the root mean square amplitude of a PCM frame.
// Samples are single-precision floats in [-1, 1], so the result is
// on the same linear 0-1 scale as the configured amplitude threshold.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// MinDB is the floor of the decibel scale used by the settings surface.
const MinDB = -60.0

// DBFromLinear converts a linear 0-1 amplitude to dBFS, clamped to [-60, 0].
// Values at or below 0.001 map to the -60 dB floor.
func DBFromLinear(linear float64) float64 {
	if linear <= 0.001 {
		return MinDB
	}
	db := 20 * math.Log10(linear)
	if db < MinDB {
		return MinDB
	}
	if db > 0 {
		return 0
	}
	return db
}

// LinearFromDB converts a dBFS value to a linear 0-1 amplitude.
// Input is clamped to [-60, 0] before conversion.
func LinearFromDB(db float64) float64 {
	if db < MinDB {
		db = MinDB
	}
	if db > 0 {
		db = 0
	}
	return math.Pow(10, db/20)
}

// EncodeWAV renders float32 PCM samples as a mono 16-bit little-endian WAV
// file. Used to hand finalized utterances to file-based transcription APIs.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		headerSize    = 44
		bitsPerSample = 16
		numChannels   = 1
	)

	dataSize := len(samples) * 2
	buf := make([]byte, headerSize+dataSize)

	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], numChannels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(floatToInt16(s)))
	}

	return buf
}

// floatToInt16 converts a float sample in [-1, 1] to a 16-bit PCM sample,
// clipping out-of-range input
func floatToInt16(s float32) int16 {
	v := float64(s) * 32767.0
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
