// mocklive is a development stand-in for the hosted live-inference API.
// It speaks the same WebSocket protocol as the real endpoint: it accepts
// the setup handshake and streamed question audio, then answers every
// utterance with a canned transcript and a synthesized tone.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btimofeyev/dewey/internal/audio"
	"github.com/btimofeyev/dewey/internal/live"
)

const (
	outputSampleRate = 24000
	answerSeconds    = 1.5
	toneFrequency    = 440.0
)

var (
	port       = flag.Int("port", 9000, "Port to listen on")
	transcript = flag.String("transcript", "The sky looks blue because sunlight scatters in the air!", "Canned answer transcript")
	wavPath    = flag.String("wav", "", "Optional 24 kHz mono WAV file to play as the answer instead of the synthesized tone")
)

// answerPCM holds the answer audio loaded from -wav; nil means synthesize
var answerPCM []byte

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	flag.Parse()

	if *wavPath != "" {
		data, err := os.ReadFile(*wavPath)
		if err != nil {
			log.Fatalf("Failed to read answer WAV: %v", err)
		}

		pcm, rate, err := audio.DecodeWAV(data)
		if err != nil {
			log.Fatalf("Bad answer WAV: %v", err)
		}
		if rate != outputSampleRate {
			log.Fatalf("Answer WAV must be %d Hz, got %d", outputSampleRate, rate)
		}

		secs, err := audio.WAVDuration(data)
		if err != nil {
			log.Fatalf("Bad answer WAV: %v", err)
		}

		answerPCM = pcm
		log.Printf("Answer audio loaded from %s (%.1fs)", *wavPath, secs)
	}

	http.HandleFunc("/", handleLive)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock live API starting on %s", addr)
	log.Printf("Point the service at: ws://localhost%s/", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}

func handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("Client connected from %s", r.RemoteAddr)

	// Expect the setup message first
	var setup live.ClientMessage
	if err := conn.ReadJSON(&setup); err != nil {
		log.Printf("Failed to read setup: %v", err)
		return
	}

	if setup.Setup == nil {
		log.Printf("First message was not setup, closing")
		return
	}

	log.Printf("Setup received: model=%s", setup.Setup.Model)
	if setup.Setup.SessionResumption != nil && setup.Setup.SessionResumption.Handle != "" {
		log.Printf("Session resumed with handle %s", setup.Setup.SessionResumption.Handle)
	}

	if err := send(conn, &live.ServerMessage{SetupComplete: &live.SetupComplete{}}); err != nil {
		log.Printf("Failed to acknowledge setup: %v", err)
		return
	}

	// Hand out a resume handle so reconnect paths can be exercised
	_ = send(conn, &live.ServerMessage{
		SessionResumptionUpdate: &live.SessionResumptionUpdate{
			NewHandle: fmt.Sprintf("mock-handle-%d", time.Now().UnixNano()),
			Resumable: true,
		},
	})

	audioBytes := 0
	for {
		var msg live.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("Client disconnected: %v", err)
			return
		}

		if msg.RealtimeInput == nil {
			continue
		}

		if msg.RealtimeInput.Audio != nil {
			pcm, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
			if err != nil {
				log.Printf("Bad audio chunk: %v", err)
				continue
			}
			audioBytes += len(pcm)
			continue
		}

		if msg.RealtimeInput.AudioStreamEnd {
			log.Printf("Utterance ended after %d audio bytes, answering", audioBytes)
			if err := answer(conn, audioBytes); err != nil {
				log.Printf("Failed to send answer: %v", err)
				return
			}
			audioBytes = 0
		}
	}
}

// answer streams the canned response: question transcript, answer
// transcript deltas, audio chunks, then turn completion
func answer(conn *websocket.Conn, audioBytes int) error {
	questionSecs := float64(audioBytes/2) / 16000.0
	question := fmt.Sprintf("Why is the sky blue? (heard %.1fs of audio)", questionSecs)

	if err := send(conn, &live.ServerMessage{
		ServerContent: &live.ServerContent{
			InputTranscription: &live.Transcription{Text: question},
		},
	}); err != nil {
		return err
	}

	// Deliver the answer transcript in two deltas like the real API does
	half := len(*transcript) / 2
	for _, delta := range []string{(*transcript)[:half], (*transcript)[half:]} {
		if err := send(conn, &live.ServerMessage{
			ServerContent: &live.ServerContent{
				OutputTranscription: &live.Transcription{Text: delta},
			},
		}); err != nil {
			return err
		}
	}

	// Stream the answer audio in ~100ms chunks
	pcm := answerPCM
	if pcm == nil {
		pcm = synthesizeTone()
	}
	chunkSize := outputSampleRate / 10 * 2
	for offset := 0; offset < len(pcm); offset += chunkSize {
		end := offset + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}

		err := send(conn, &live.ServerMessage{
			ServerContent: &live.ServerContent{
				ModelTurn: &live.ModelTurn{
					Parts: []live.Part{{
						InlineData: &live.InlineData{
							MimeType: fmt.Sprintf("audio/pcm;rate=%d", outputSampleRate),
							Data:     base64.StdEncoding.EncodeToString(pcm[offset:end]),
						},
					}},
				},
			},
		})
		if err != nil {
			return err
		}

		time.Sleep(50 * time.Millisecond)
	}

	log.Printf("Answer sent: %q + %.1fs of audio", *transcript, float64(len(pcm)/2)/outputSampleRate)

	return send(conn, &live.ServerMessage{
		ServerContent: &live.ServerContent{TurnComplete: true},
	})
}

// synthesizeTone generates the answer audio: a sine tone as PCM-16 LE
func synthesizeTone() []byte {
	samples := int(answerSeconds * outputSampleRate)
	pcm := make([]byte, samples*2)

	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * toneFrequency * float64(i) / outputSampleRate)
		// Fade in and out to avoid clicks
		envelope := 1.0
		fade := outputSampleRate / 20
		if i < fade {
			envelope = float64(i) / float64(fade)
		} else if i > samples-fade {
			envelope = float64(samples-i) / float64(fade)
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*envelope*12000)))
	}

	return pcm
}

func send(conn *websocket.Conn, msg *live.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
