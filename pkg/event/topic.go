// Package event names the topics published on the notification hub.
package event

const (
	// CallStateChanged a call moved to a new state
	// 	Fields:
	// 		room_id: string
	// 		call_id: string
	// 		state: string
	// 		previous: string
	// 		reason: string (forced transitions only)
	CallStateChanged = "call.state_changed"
	// CallIncoming someone invited the room to a call
	// 	Fields:
	// 		room_id: string
	// 		call_id: string
	// 		from_user: string
	// 		participants: []string
	CallIncoming = "call.incoming"
	// CallRejected an invitee declined the call
	// 	Fields:
	// 		room_id: string
	// 		call_id: string
	// 		user_id: string
	CallRejected = "call.rejected"
	// CallRemoteStreamAdded a participant's media stream became available
	// 	Fields:
	// 		room_id: string
	// 		participant_id: string
	// 		stream_id: string
	// 		stream: *mesh.RemoteStream
	CallRemoteStreamAdded = "call.remote_stream_added"
	// CallRemoteStreamRemoved a participant's connection was torn down
	// 	Fields:
	// 		room_id: string
	// 		participant_id: string
	CallRemoteStreamRemoved = "call.remote_stream_removed"
	// CallPeerFailed negotiation with one participant failed
	// 	Fields:
	// 		room_id: string
	// 		participant_id: string
	// 		error: error
	CallPeerFailed = "call.peer_failed"

	// RoomParticipantJoined a participant entered the room
	// 	Fields:
	// 		room_id: string
	// 		participant_id: string
	RoomParticipantJoined = "room.participant_joined"
	// RoomParticipantLeft a participant left the room
	// 	Fields:
	// 		room_id: string
	// 		participant_id: string
	RoomParticipantLeft = "room.participant_left"

	// SignalingStateChanged the signaling connection changed state
	// 	Fields:
	// 		state: string
	// 		reason: string
	SignalingStateChanged = "signaling.state_changed"
)
