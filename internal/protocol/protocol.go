// Package protocol defines the wire messages exchanged with the assistant
// backend over the transport link. Every message is a JSON object carrying a
// "type" discriminator; the Go side keeps them as a closed set of typed
// structs so handlers can switch exhaustively instead of matching strings.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates wire message types.
type Kind string

const (
	// Session / health
	KindServerStatus Kind = "server_status"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"

	// Fallback audio upload
	KindAudio             Kind = "audio"
	KindAudioReceived     Kind = "audio_received"
	KindAudioChunkInfo    Kind = "audio_chunk_info"
	KindChunkInfoReceived Kind = "chunk_info_received"
	KindAudioChunk        Kind = "audio_chunk"
	KindChunkReceived     Kind = "chunk_received"
	KindChunksComplete    Kind = "chunks_complete"

	// Turn results
	KindTranscription    Kind = "transcription"
	KindResponse         Kind = "response"
	KindProcessingStatus Kind = "processing_status"
	KindErrorMessage     Kind = "error_message"

	// Peer streaming signaling
	KindWebRTCOffer        Kind = "webrtc_offer"
	KindWebRTCAnswer       Kind = "webrtc_answer"
	KindWebRTCICECandidate Kind = "webrtc_ice_candidate"
	KindWebRTCStreamReady  Kind = "webrtc_stream_ready"
	KindWebRTCClose        Kind = "webrtc_close"
)

// Message is implemented by every wire message in the protocol.
type Message interface {
	Kind() Kind
}

// ServerStatus is pushed by the backend after the link opens. ClientID
// identifies this device for signaling routing.
type ServerStatus struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	ClientID string `json:"client_id"`
}

func (*ServerStatus) Kind() Kind { return KindServerStatus }

// Ping is a health-check request; the backend answers with Pong.
type Ping struct{}

func (*Ping) Kind() Kind { return KindPing }

// Pong answers a Ping.
type Pong struct {
	ServerTime float64 `json:"server_time,omitempty"`
	ClientID   string  `json:"client_id,omitempty"`
}

func (*Pong) Kind() Kind { return KindPong }

// Audio carries a complete recording small enough for a single message.
// AudioData is base64-encoded.
type Audio struct {
	AudioData  string `json:"audio_data"`
	FileFormat string `json:"file_format"`
}

func (*Audio) Kind() Kind { return KindAudio }

// AudioReceived acknowledges a single-shot Audio message.
type AudioReceived struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	ChunkSize  float64 `json:"chunk_size,omitempty"`
	BufferSize int     `json:"buffer_size,omitempty"`
}

func (*AudioReceived) Kind() Kind { return KindAudioReceived }

// AudioChunkInfo announces an incoming chunked upload. It is always sent
// before the first AudioChunk.
type AudioChunkInfo struct {
	TotalChunks int    `json:"total_chunks"`
	FileFormat  string `json:"file_format"`
	TotalSize   int64  `json:"total_size"`
}

func (*AudioChunkInfo) Kind() Kind { return KindAudioChunkInfo }

// ChunkInfoReceived acknowledges AudioChunkInfo.
type ChunkInfoReceived struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
}

func (*ChunkInfoReceived) Kind() Kind { return KindChunkInfoReceived }

// AudioChunk is one bounded-size piece of a chunked upload. ChunkData is
// base64-encoded. Indices are contiguous from 0 and exactly the final chunk
// carries IsLast.
type AudioChunk struct {
	ChunkData  string `json:"chunk_data"`
	ChunkIndex int    `json:"chunk_index"`
	IsLast     bool   `json:"is_last"`
}

func (*AudioChunk) Kind() Kind { return KindAudioChunk }

// ChunkReceived acknowledges a single AudioChunk with transfer progress.
type ChunkReceived struct {
	Status         string  `json:"status"`
	ChunkIndex     int     `json:"chunk_index"`
	ReceivedChunks int     `json:"received_chunks"`
	TotalChunks    int     `json:"total_chunks"`
	Progress       float64 `json:"progress"`
}

func (*ChunkReceived) Kind() Kind { return KindChunkReceived }

// ChunksComplete confirms the backend reassembled the full upload.
type ChunksComplete struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (*ChunksComplete) Kind() Kind { return KindChunksComplete }

// Transcription carries the speech-to-text result for the current turn.
type Transcription struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (*Transcription) Kind() Kind { return KindTranscription }

// Response carries the assistant reply. Audio is base64-encoded synthesized
// speech and may be empty for text-only replies.
type Response struct {
	Text      string  `json:"text"`
	Audio     string  `json:"audio,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (*Response) Kind() Kind { return KindResponse }

// ProcessingStatus reports backend pipeline progress (transcription, llm,
// tts) while a turn is in flight.
type ProcessingStatus struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (*ProcessingStatus) Kind() Kind { return KindProcessingStatus }

// ErrorMessage is a backend-reported failure for the current turn.
type ErrorMessage struct {
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

func (*ErrorMessage) Kind() Kind { return KindErrorMessage }

// WebRTCOffer carries a session description offer. Target routes the message
// ("server" or a peer client id); From is filled in by the relay.
type WebRTCOffer struct {
	SDP    string `json:"sdp"`
	Target string `json:"target"`
	From   string `json:"from,omitempty"`
}

func (*WebRTCOffer) Kind() Kind { return KindWebRTCOffer }

// WebRTCAnswer carries a session description answer.
type WebRTCAnswer struct {
	SDP    string `json:"sdp"`
	Target string `json:"target"`
	From   string `json:"from,omitempty"`
}

func (*WebRTCAnswer) Kind() Kind { return KindWebRTCAnswer }

// WebRTCICECandidate carries one ICE candidate. Candidates flow independently
// of offer/answer ordering.
type WebRTCICECandidate struct {
	Candidate string `json:"candidate"`
	Target    string `json:"target"`
	From      string `json:"from,omitempty"`
}

func (*WebRTCICECandidate) Kind() Kind { return KindWebRTCICECandidate }

// AudioConfig describes the media stream negotiated for peer streaming.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// WebRTCStreamReady tells the backend the media path is connected and
// describes the stream it should expect.
type WebRTCStreamReady struct {
	AudioConfig AudioConfig `json:"audio_config"`
}

func (*WebRTCStreamReady) Kind() Kind { return KindWebRTCStreamReady }

// WebRTCClose tears down the peer streaming session.
type WebRTCClose struct {
	Reason string `json:"reason,omitempty"`
}

func (*WebRTCClose) Kind() Kind { return KindWebRTCClose }

// Encode serializes a message with its "type" discriminator spliced in.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	kind, _ := json.Marshal(m.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses a wire message into its concrete type. Unknown types are an
// error so protocol drift is caught instead of silently dropped.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}

	var m Message
	switch head.Type {
	case KindServerStatus:
		m = &ServerStatus{}
	case KindPing:
		m = &Ping{}
	case KindPong:
		m = &Pong{}
	case KindAudio:
		m = &Audio{}
	case KindAudioReceived:
		m = &AudioReceived{}
	case KindAudioChunkInfo:
		m = &AudioChunkInfo{}
	case KindChunkInfoReceived:
		m = &ChunkInfoReceived{}
	case KindAudioChunk:
		m = &AudioChunk{}
	case KindChunkReceived:
		m = &ChunkReceived{}
	case KindChunksComplete:
		m = &ChunksComplete{}
	case KindTranscription:
		m = &Transcription{}
	case KindResponse:
		m = &Response{}
	case KindProcessingStatus:
		m = &ProcessingStatus{}
	case KindErrorMessage:
		m = &ErrorMessage{}
	case KindWebRTCOffer:
		m = &WebRTCOffer{}
	case KindWebRTCAnswer:
		m = &WebRTCAnswer{}
	case KindWebRTCICECandidate:
		m = &WebRTCICECandidate{}
	case KindWebRTCStreamReady:
		m = &WebRTCStreamReady{}
	case KindWebRTCClose:
		m = &WebRTCClose{}
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return m, nil
}
