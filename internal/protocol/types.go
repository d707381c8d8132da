package protocol

import (
	"encoding/json"
	"time"
)

// Opcode identifies the frame kind carried in the "op" field.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// Dispatch names acknowledging identify and resume.
const (
	DispatchReady   = "READY"
	DispatchResumed = "RESUMED"
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "dispatch",
	OpHeartbeat:           "heartbeat",
	OpIdentify:            "identify",
	OpPresenceUpdate:      "presence_update",
	OpVoiceStateUpdate:    "voice_state_update",
	OpResume:              "resume",
	OpReconnect:           "reconnect",
	OpRequestGuildMembers: "request_guild_members",
	OpInvalidSession:      "invalid_session",
	OpHello:               "hello",
	OpHeartbeatAck:        "heartbeat_ack",
}

// serverOpcodes may be sent by the remote service.
var serverOpcodes = map[Opcode]bool{
	OpDispatch:       true,
	OpHeartbeat:      true,
	OpReconnect:      true,
	OpInvalidSession: true,
	OpHello:          true,
	OpHeartbeatAck:   true,
}

// clientOpcodes may be sent by this client.
var clientOpcodes = map[Opcode]bool{
	OpHeartbeat:           true,
	OpIdentify:            true,
	OpPresenceUpdate:      true,
	OpVoiceStateUpdate:    true,
	OpResume:              true,
	OpRequestGuildMembers: true,
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Known reports whether o is part of the opcode table.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// FromServer reports whether the remote service is allowed to send o.
func (o Opcode) FromServer() bool { return serverOpcodes[o] }

// FromClient reports whether this client is allowed to send o.
func (o Opcode) FromClient() bool { return clientOpcodes[o] }

// Frame is one gateway message.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *uint64         `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Sequence returns the frame sequence number when present.
func (f Frame) Sequence() (uint64, bool) {
	if f.Seq == nil {
		return 0, false
	}
	return *f.Seq, true
}

// Hello is the first frame the service sends on a new connection.
type Hello struct {
	HeartbeatIntervalMS uint64 `json:"heartbeat_interval"`
}

// MaxHeartbeatInterval is the longest heartbeat interval a Hello may announce.
const MaxHeartbeatInterval = time.Hour

func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatIntervalMS) * time.Millisecond
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a fresh session.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Intents        uint64             `json:"intents"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
}

// Resume reattaches to an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// Ready is the READY dispatch payload subset the session layer needs.
type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
}
