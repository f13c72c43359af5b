package audio

import (
	"encoding/binary"
	"io"
)

const (
	wavHeaderSize = 44
	numChannels   = 1
	bitsPerSample = 16
	pcmFormat     = 1
)

// EncodeWAV wraps raw PCM16LE mono audio in a WAV container. Synthesized
// provider audio is raw PCM; callers that serve it over HTTP need the
// container so telephony bridges and browsers can play it directly.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	out := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(out, len(pcm), sampleRate)
	copy(out[wavHeaderSize:], pcm)
	return out
}

// WriteWAV streams raw PCM16LE mono audio to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	header := make([]byte, wavHeaderSize)
	writeWAVHeader(header, len(pcm), sampleRate)
	if _, err := out.Write(header); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

func writeWAVHeader(buf []byte, dataSize, sampleRate int) {
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(buf[22:24], numChannels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}
