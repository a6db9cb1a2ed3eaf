package transcribe

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
)

var errNotWAV = errors.New("not a PCM WAV file")

// rms returns the root-mean-square level of a 16-bit PCM WAV file scaled to
// the range 0..1.
func rms(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pcm, err := pcmData(data)
	if err != nil {
		return 0, err
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n)), nil
}

// pcmData walks the RIFF chunks and returns the payload of the data chunk.
func pcmData(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, errNotWAV
	}
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if id == "data" {
			end := body + size
			if end > len(b) || size < 0 {
				end = len(b)
			}
			return b[body:end], nil
		}
		off = body + size + size%2
	}
	return nil, errNotWAV
}
