package signaling

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pion/webrtc/v4"
)

var json = jsoniter.ConfigFastest

// Room-level mesh events
const (
	EventJoinRoom     = "join-room"
	EventAllUsers     = "all-users"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Call-session events
const (
	EventStartCall      = "start_call"
	EventIncomingCall   = "incoming_call"
	EventAcceptCall     = "accept_call"
	EventCallAccepted   = "call_accepted"
	EventRejectCall     = "reject_call"
	EventCallRejected   = "call_rejected"
	EventCallSignal     = "call_signal"
	EventEndCall        = "end_call"
	EventCallEnded      = "call_ended"
	EventUserJoinedCall = "user_joined_call"
	EventUserLeftCall   = "user_left_call"
)

// Connection events. EventWelcome is sent by the relay right after the
// websocket handshake; the others are generated locally by the Client.
const (
	EventWelcome      = "welcome"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventConnectError = "connect_error"
)

// Signal types carried inside call_signal
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Envelope is the wire frame: one JSON object per websocket text message.
type Envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// Message is an inbound event handed to subscribers
type Message struct {
	Event string
	Data  jsoniter.RawMessage
}

// Decode unmarshals the message payload into v
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Welcome assigns the connection its participant id
type Welcome struct {
	ParticipantID string `json:"participantId"`
}

// JoinRoom asks the relay to add this connection to a room
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// AllUsers lists the members already in the room when we joined
type AllUsers struct {
	Users []string `json:"users"`
}

// ParticipantEvent announces a member joining or leaving the room
type ParticipantEvent struct {
	ParticipantID string `json:"participantId"`
}

// Description carries an SDP offer or answer. Target is set on outbound
// messages, Caller on inbound ones.
type Description struct {
	Target string                    `json:"target,omitempty"`
	Caller string                    `json:"caller,omitempty"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// Candidate carries one trickled ICE candidate. Target is set on outbound
// messages, From on inbound ones.
type Candidate struct {
	Target    string                  `json:"target,omitempty"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// StartCall announces a new call to the room
type StartCall struct {
	CallID   string `json:"callId"`
	RoomID   string `json:"roomId"`
	CallType string `json:"callType"`
}

// IncomingCall is delivered to room members when someone starts a call
type IncomingCall struct {
	CallID       string   `json:"callId"`
	FromUser     string   `json:"fromUser"`
	RoomID       string   `json:"roomId,omitempty"`
	Participants []string `json:"participants"`
}

// CallRef identifies a call in accept_call, reject_call and end_call
type CallRef struct {
	CallID string `json:"callId"`
	RoomID string `json:"roomId"`
}

// CallAccepted tells the accepting client who is already in the call
type CallAccepted struct {
	CallID       string   `json:"callId"`
	Participants []string `json:"participants"`
}

// CallRejected is sent to call members when an invitee declines
type CallRejected struct {
	CallID string `json:"callId"`
	UserID string `json:"userId,omitempty"`
}

// CallEnded is sent to call members when one of them ends the call
type CallEnded struct {
	CallID   string `json:"callId"`
	FromUser string `json:"fromUser,omitempty"`
}

// Signal is the nested negotiation payload of call_signal
type Signal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Description converts an offer or answer signal to a session description
func (s Signal) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

// CallSignal is addressed with UserToSignal outbound and arrives with FromUser
type CallSignal struct {
	UserToSignal string `json:"userToSignal,omitempty"`
	FromUser     string `json:"fromUser,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	Signal       Signal `json:"signal"`
}

// UserJoinedCall announces a participant accepting the call
type UserJoinedCall struct {
	UserID string  `json:"userId"`
	Signal *Signal `json:"signal,omitempty"`
}

// UserLeftCall announces a participant leaving the call
type UserLeftCall struct {
	UserID string `json:"userId"`
}

// Disconnected is the payload of the local disconnected event
type Disconnected struct {
	Reason string `json:"reason"`
}

// ConnectError is the payload of the local connect_error event
type ConnectError struct {
	Error string `json:"error"`
}
