package server

import "encoding/json"

const (
	messageTypeJoin        = "join"
	messageTypeSyncRequest = "sync_request"
	messageTypeUpdate      = "update"
	messageTypeAwareness   = "awareness"

	messageTypeJoined    = "joined"
	messageTypeSyncReply = "sync_reply"
	messageTypePeerGone  = "peer_gone"
	messageTypeError     = "error"
)

// clientEnvelope is one inbound websocket frame. Fragment payloads travel as
// base64 so the envelope stays valid JSON.
type clientEnvelope struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type serverEnvelope struct {
	Type         string `json:"type"`
	Room         string `json:"room,omitempty"`
	Sender       string `json:"sender,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Payload      string `json:"payload,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// syncReplyEnvelope always carries the payload field: a null payload is the
// explicit marker for a room with no state yet.
type syncReplyEnvelope struct {
	Type    string  `json:"type"`
	Room    string  `json:"room"`
	Payload *string `json:"payload"`
}

func marshalJoined(room, connectionID string) []byte {
	data, _ := json.Marshal(serverEnvelope{
		Type:         messageTypeJoined,
		Room:         room,
		ConnectionID: connectionID,
	})
	return data
}

func marshalSyncReply(room string, payload *string) []byte {
	data, _ := json.Marshal(syncReplyEnvelope{
		Type:    messageTypeSyncReply,
		Room:    room,
		Payload: payload,
	})
	return data
}

func marshalRelay(messageType, room, sender, payload string) []byte {
	data, _ := json.Marshal(serverEnvelope{
		Type:    messageType,
		Room:    room,
		Sender:  sender,
		Payload: payload,
	})
	return data
}

func marshalPeerGone(room, sender string) []byte {
	data, _ := json.Marshal(serverEnvelope{
		Type:   messageTypePeerGone,
		Room:   room,
		Sender: sender,
	})
	return data
}

func marshalError(room, reason string) []byte {
	data, _ := json.Marshal(serverEnvelope{
		Type:   messageTypeError,
		Room:   room,
		Reason: reason,
	})
	return data
}
