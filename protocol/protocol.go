package protocol

import (
	"encoding/json"
)

const (
	EventJoinDocument   = "join-document"
	EventLeaveDocument  = "leave-document"
	EventSendChanges    = "send-changes"
	EventReceiveChanges = "receive-changes"
	EventJoined         = "joined"
	EventAck            = "ack"
	EventResync         = "resync"
	EventChanges        = "changes"
	EventError          = "error"
)

const (
	CodeAuth        = "unauthorized"
	CodeNotFound    = "not-found"
	CodeForbidden   = "forbidden"
	CodeInvalid     = "invalid"
	CodeNotJoined   = "not-joined"
	CodeTooOld      = "too-old"
	CodeUnavailable = "unavailable"
)

// This struct serves 2 purposes:
//
// * When Delta is present, it is a change message
// * When Delta is missing, it serves as an ack message
//
// Delta holds the operation exactly as the editing surface produced it.
type Change struct {
	Delta json.RawMessage `json:"delta,omitempty" cbor:"delta,omitempty"`
	Seq   uint64          `json:"seq" cbor:"seq"`
}

// Message is the envelope of every real-time event. Which fields are set
// depends on Event.
type Message struct {
	Event      string          `json:"event" cbor:"event"`
	DocumentID string          `json:"documentId,omitempty" cbor:"documentId,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty" cbor:"delta,omitempty"`
	Seq        uint64          `json:"seq,omitempty" cbor:"seq,omitempty"`
	Epoch      string          `json:"epoch,omitempty" cbor:"epoch,omitempty"`
	Since      uint64          `json:"since,omitempty" cbor:"since,omitempty"`
	Title      string          `json:"title,omitempty" cbor:"title,omitempty"`
	Content    string          `json:"content,omitempty" cbor:"content,omitempty"`
	Changes    []Change        `json:"changes,omitempty" cbor:"changes,omitempty"`
	Code       string          `json:"code,omitempty" cbor:"code,omitempty"`
	Message    string          `json:"message,omitempty" cbor:"message,omitempty"`
	// Request names the event an error answers.
	Request string `json:"request,omitempty" cbor:"request,omitempty"`
}

func JoinDocument(documentID string) Message {
	return Message{Event: EventJoinDocument, DocumentID: documentID}
}

func LeaveDocument(documentID string) Message {
	return Message{Event: EventLeaveDocument, DocumentID: documentID}
}

func Joined(documentID, title, content, epoch string, seq uint64) Message {
	return Message{Event: EventJoined, DocumentID: documentID, Title: title, Content: content, Epoch: epoch, Seq: seq}
}

func SendChanges(documentID string, delta json.RawMessage) Message {
	return Message{Event: EventSendChanges, DocumentID: documentID, Delta: delta}
}

func ReceiveChanges(documentID string, change Change) Message {
	return Message{Event: EventReceiveChanges, DocumentID: documentID, Delta: change.Delta, Seq: change.Seq}
}

func Ack(documentID, epoch string, seq uint64) Message {
	return Message{Event: EventAck, DocumentID: documentID, Epoch: epoch, Seq: seq}
}

func Resync(documentID string, since uint64) Message {
	return Message{Event: EventResync, DocumentID: documentID, Since: since}
}

func Changes(documentID string, changes []Change) Message {
	return Message{Event: EventChanges, DocumentID: documentID, Changes: changes}
}

func Error(documentID, code, message string) Message {
	return Message{Event: EventError, DocumentID: documentID, Code: code, Message: message}
}

// Answering marks an error as the reply to a request event.
func (m Message) Answering(request string) Message {
	m.Request = request
	return m
}
