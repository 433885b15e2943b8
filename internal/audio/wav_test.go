package audio

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

// sinePCM generates little-endian PCM-16 test audio
func sinePCM(samples int, sampleRate int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestEncodeWAV(t *testing.T) {
	tests := []struct {
		name        string
		pcm         []byte
		sampleRate  int
		expectError bool
		errorMsg    string
	}{
		{
			name:       "question audio at 16 kHz",
			pcm:        sinePCM(1600, 16000),
			sampleRate: 16000,
		},
		{
			name:       "answer audio at 24 kHz",
			pcm:        sinePCM(2400, 24000),
			sampleRate: 24000,
		},
		{
			name:        "empty audio",
			pcm:         nil,
			sampleRate:  16000,
			expectError: true,
			errorMsg:    "empty audio",
		},
		{
			name:        "odd length",
			pcm:         []byte{0x01, 0x02, 0x03},
			sampleRate:  16000,
			expectError: true,
			errorMsg:    "must be even",
		},
		{
			name:        "invalid sample rate",
			pcm:         []byte{0x01, 0x02},
			sampleRate:  0,
			expectError: true,
			errorMsg:    "sample rate must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wav, err := EncodeWAV(tt.pcm, tt.sampleRate)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}

			if len(wav) != wavHeaderSize+len(tt.pcm) {
				t.Errorf("Expected %d bytes, got %d", wavHeaderSize+len(tt.pcm), len(wav))
			}

			if err := ValidateWAV(wav); err != nil {
				t.Errorf("Encoded WAV failed validation: %v", err)
			}
		})
	}
}

func TestWAVRoundTrip(t *testing.T) {
	original := sinePCM(4800, 24000)

	wav, err := EncodeWAV(original, 24000)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, sampleRate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if sampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", sampleRate)
	}

	if len(decoded) != len(original) {
		t.Fatalf("Expected %d bytes, got %d", len(original), len(decoded))
	}

	for i := range original {
		if decoded[i] != original[i] {
			t.Fatalf("Sample data mismatch at byte %d", i)
		}
	}
}

func TestValidateWAVErrors(t *testing.T) {
	valid, err := EncodeWAV(sinePCM(160, 16000), 16000)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func([]byte) []byte
		errorMsg string
	}{
		{
			name:     "too short",
			mutate:   func(d []byte) []byte { return d[:10] },
			errorMsg: "too short",
		},
		{
			name: "missing RIFF",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				copy(out[0:4], "XXXX")
				return out
			},
			errorMsg: "missing RIFF",
		},
		{
			name: "missing WAVE",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				copy(out[8:12], "XXXX")
				return out
			},
			errorMsg: "missing WAVE",
		},
		{
			name: "missing data chunk",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				copy(out[36:40], "XXXX")
				return out
			},
			errorMsg: "missing data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWAV(tt.mutate(valid))
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestWAVDuration(t *testing.T) {
	// One second of 16 kHz audio
	wav, err := EncodeWAV(make([]byte, 32000), 16000)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	duration, err := WAVDuration(wav)
	if err != nil {
		t.Fatalf("WAVDuration failed: %v", err)
	}

	if math.Abs(duration-1.0) > 0.001 {
		t.Errorf("Expected 1.0s duration, got %f", duration)
	}
}

func TestDecodeWAVRejectsStereo(t *testing.T) {
	wav, err := EncodeWAV(sinePCM(160, 16000), 16000)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	binary.LittleEndian.PutUint16(wav[22:24], 2) // channels

	if _, _, err := DecodeWAV(wav); err == nil {
		t.Error("Expected error for stereo WAV")
	}
}
