// Package protocol defines the version-1 WebSocket envelopes exchanged
// between the UI, the orchestrator, and the vision detector.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the wire protocol version carried by every envelope.
const Version = 1

// Peer roles announced in hello envelopes.
const (
	RoleUI          = "ui"
	RoleEva         = "eva"
	RoleQuickVision = "quickvision"
)

// Envelope types.
const (
	TypeHello        = "hello"
	TypeError        = "error"
	TypeCommand      = "command"
	TypeDetections   = "detections"
	TypeFrameEvents  = "frame_events"
	TypeInsight      = "insight"
	TypeTextOutput   = "text_output"
	TypeSpeechOutput = "speech_output"
)

// Header is the common shape of every text envelope; used to peek at the
// type and frame id before full decoding.
type Header struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	FrameID string `json:"frame_id,omitempty"`
}

// Hello announces a peer after connect.
type Hello struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	Role string `json:"role"`
	TsMs int64  `json:"ts_ms"`
}

// MakeHello builds a hello envelope for the given role.
func MakeHello(role string) Hello {
	return Hello{Type: TypeHello, V: Version, Role: role, TsMs: time.Now().UnixMilli()}
}

// Error reports a failure, optionally scoped to one frame.
type Error struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	FrameID string `json:"frame_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MakeError builds an error envelope. frameID may be empty.
func MakeError(code, message, frameID string) Error {
	return Error{Type: TypeError, V: Version, FrameID: frameID, Code: code, Message: message}
}

// Detection is one detected object within a frame.
type Detection struct {
	Cls  int        `json:"cls"`
	Name string     `json:"name"`
	Conf float64    `json:"conf"`
	Box  [4]float64 `json:"box"`
}

// Detections carries the detector's per-frame results.
type Detections struct {
	Type       string      `json:"type"`
	V          int         `json:"v"`
	FrameID    string      `json:"frame_id"`
	TsMs       int64       `json:"ts_ms"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Model      string      `json:"model"`
	Detections []Detection `json:"detections"`
	Events     []Event     `json:"events,omitempty"`
}

// Event is a high-level occurrence derived from detections.
type Event struct {
	Name     string                 `json:"name"`
	TsMs     int64                  `json:"ts_ms"`
	Severity string                 `json:"severity"`
	TrackID  *int64                 `json:"track_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// FrameEvents carries frame-scoped events from the detector.
type FrameEvents struct {
	Type    string  `json:"type"`
	V       int     `json:"v"`
	FrameID string  `json:"frame_id"`
	Events  []Event `json:"events"`
}

// InsightSummary is the distilled scene insight.
type InsightSummary struct {
	OneLiner    string   `json:"one_liner"`
	WhatChanged []string `json:"what_changed"`
	TTSResponse string   `json:"tts_response,omitempty"`
	Severity    string   `json:"severity"`
	Tags        []string `json:"tags"`
}

// Insight relays a generated scene insight to the UI.
type Insight struct {
	Type           string                 `json:"type"`
	V              int                    `json:"v"`
	FrameID        string                 `json:"frame_id,omitempty"`
	ClipID         string                 `json:"clip_id,omitempty"`
	TriggerFrameID string                 `json:"trigger_frame_id,omitempty"`
	Summary        InsightSummary         `json:"summary"`
	Usage          map[string]interface{} `json:"usage,omitempty"`
}

// TextOutput pushes spoken-style text to the UI.
type TextOutput struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	Text string `json:"text"`
	TsMs int64  `json:"ts_ms"`
}

// SpeechOutput pushes synthesized audio to the UI.
type SpeechOutput struct {
	Type     string `json:"type"`
	V        int    `json:"v"`
	BytesB64 string `json:"bytes_b64"`
	MIME     string `json:"mime"`
	TsMs     int64  `json:"ts_ms"`
}

// FrameBinaryHeader precedes the raw image bytes in a binary frame message.
type FrameBinaryHeader struct {
	Type     string `json:"type"`
	V        int    `json:"v"`
	FrameID  string `json:"frame_id"`
	TsMs     int64  `json:"ts_ms"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MIME     string `json:"mime"`
	ImageLen int    `json:"image_len"`
}

// TypeFrameBinary is the type field of a binary frame header.
const TypeFrameBinary = "frame_binary"

// Binary frame layout: a 4-byte big-endian header length, the JSON header,
// then exactly image_len image bytes.

// EncodeFrameBinary assembles a binary frame message.
func EncodeFrameBinary(header FrameBinaryHeader, image []byte) ([]byte, error) {
	header.Type = TypeFrameBinary
	header.V = Version
	header.ImageLen = len(image)
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame header: %w", err)
	}
	out := make([]byte, 4+len(headerJSON)+len(image))
	binary.BigEndian.PutUint32(out[:4], uint32(len(headerJSON)))
	copy(out[4:], headerJSON)
	copy(out[4+len(headerJSON):], image)
	return out, nil
}

// DecodeFrameBinary parses and validates a binary frame message.
func DecodeFrameBinary(data []byte) (FrameBinaryHeader, []byte, error) {
	var header FrameBinaryHeader
	if len(data) < 4 {
		return header, nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	headerLen := int(binary.BigEndian.Uint32(data[:4]))
	if headerLen <= 0 || 4+headerLen > len(data) {
		return header, nil, fmt.Errorf("binary frame header length %d out of range", headerLen)
	}
	if err := json.Unmarshal(data[4:4+headerLen], &header); err != nil {
		return header, nil, fmt.Errorf("invalid frame header: %w", err)
	}
	if header.Type != TypeFrameBinary {
		return header, nil, fmt.Errorf("unexpected binary envelope type %q", header.Type)
	}
	if header.FrameID == "" {
		return header, nil, fmt.Errorf("binary frame missing frame_id")
	}
	image := data[4+headerLen:]
	if header.ImageLen != len(image) {
		return header, nil, fmt.Errorf("image_len %d does not match payload %d", header.ImageLen, len(image))
	}
	if header.ImageLen == 0 {
		return header, nil, fmt.Errorf("binary frame has empty image")
	}
	return header, image, nil
}
