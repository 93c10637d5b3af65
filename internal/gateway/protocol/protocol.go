// Package protocol defines the JSON frames exchanged with the local
// presentation surface over the control websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/overlay"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Client -> server frames.

type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

type ClientConnect struct {
	Type          string `json:"type"`
	AudioDeviceID string `json:"audio_device_id,omitempty"`
	VideoDeviceID string `json:"video_device_id,omitempty"`
}

type ClientDisconnect struct {
	Type string `json:"type"`
}

type ClientSelectDevices struct {
	Type          string `json:"type"`
	AudioDeviceID string `json:"audio_device_id,omitempty"`
	VideoDeviceID string `json:"video_device_id,omitempty"`
}

type ClientListDevices struct {
	Type string `json:"type"`
}

type ClientMemoryClear struct {
	Type string `json:"type"`
}

// Server -> client frames.

type ServerHelloAck struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	AccentColor     string `json:"accent_color"`
}

type ServerState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type ServerLog struct {
	Type  string        `json:"type"`
	Entry logfeed.Entry `json:"entry"`
}

type ServerLogHistory struct {
	Type    string          `json:"type"`
	Entries []logfeed.Entry `json:"entries"`
}

type ServerOverlays struct {
	Type     string            `json:"type"`
	Overlays []overlay.Overlay `json:"overlays"`
	TTLMS    int               `json:"ttl_ms"`
}

type ServerMemory struct {
	Type  string        `json:"type"`
	Facts []memory.Fact `json:"facts"`
}

type ServerDevices struct {
	Type  string                `json:"type"`
	Audio []media.CaptureDevice `json:"audio"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// DecodeClientMessage parses one inbound frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("hello.protocol_version is required", "protocol_version")
		}
		return msg, nil
	case "connect":
		var msg ClientConnect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connect frame", "")
		}
		return msg, nil
	case "disconnect":
		return ClientDisconnect{Type: typ}, nil
	case "select_devices":
		var msg ClientSelectDevices
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid select_devices frame", "")
		}
		return msg, nil
	case "list_devices":
		return ClientListDevices{Type: typ}, nil
	case "memory_clear":
		return ClientMemoryClear{Type: typ}, nil
	default:
		return nil, &DecodeError{Code: "unsupported", Message: "unknown message type", Param: "type"}
	}
}

// NewOverlaysFrame snapshots the active annotations with the render TTL.
func NewOverlaysFrame(overlays []overlay.Overlay, ttl time.Duration) ServerOverlays {
	if overlays == nil {
		overlays = []overlay.Overlay{}
	}
	return ServerOverlays{
		Type:     "overlays",
		Overlays: overlays,
		TTLMS:    int(ttl / time.Millisecond),
	}
}
