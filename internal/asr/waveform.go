package asr

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wavHeader is the subset of a RIFF/WAVE header needed for decoding decisions.
type wavHeader struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataSize      int64
}

// Duration returns the length of the data chunk in seconds.
func (h wavHeader) Duration() float64 {
	frame := int64(h.Channels * h.BitsPerSample / 8)
	if frame <= 0 || h.SampleRate <= 0 {
		return 0
	}
	return float64(h.DataSize/frame) / float64(h.SampleRate)
}

// readWAVHeader parses chunks up to the start of "data".
func readWAVHeader(f io.ReadSeeker) (wavHeader, error) {
	var h wavHeader

	// Read and validate RIFF header (12 bytes)
	riffHeader := make([]byte, 12)
	if _, err := io.ReadFull(f, riffHeader); err != nil {
		return h, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" || string(riffHeader[8:12]) != "WAVE" {
		return h, fmt.Errorf("not a valid WAV file")
	}

	var foundFmt bool
	for {
		// Read chunk header (8 bytes: 4 bytes ID + 4 bytes size)
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			return h, fmt.Errorf("data chunk not found: %w", err)
		}

		chunkID := string(chunkHeader[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))

		switch chunkID {
		case "fmt ":
			fmtData := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, fmtData); err != nil {
				return h, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if len(fmtData) < 16 {
				return h, fmt.Errorf("fmt chunk too short: %d bytes", len(fmtData))
			}
			h.AudioFormat = int(binary.LittleEndian.Uint16(fmtData[0:2]))
			h.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true

		case "data":
			if !foundFmt {
				return h, fmt.Errorf("fmt chunk not found")
			}
			h.DataSize = chunkSize
			// Streaming writers leave the size at 0 or 0xFFFFFFFF; use the file length.
			if chunkSize == 0 || chunkSize == 0xFFFFFFFF {
				pos, err := f.Seek(0, io.SeekCurrent)
				if err == nil {
					if end, err := f.Seek(0, io.SeekEnd); err == nil {
						h.DataSize = end - pos
						f.Seek(pos, io.SeekStart)
					}
				}
			}
			return h, nil

		default:
			// Skip unknown chunks (LIST, INFO, etc.)
			if _, err := f.Seek(chunkSize, io.SeekCurrent); err != nil {
				return h, fmt.Errorf("failed to skip chunk %s: %w", chunkID, err)
			}
		}

		// WAV chunks are word-aligned (padded to even byte boundary)
		if chunkSize%2 != 0 {
			f.Seek(1, io.SeekCurrent)
		}
	}
}

// WAVDuration reads the header of a WAV file and returns its length in seconds.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h, err := readWAVHeader(f)
	if err != nil {
		return 0, err
	}
	return h.Duration(), nil
}
