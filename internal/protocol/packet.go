// Package protocol defines the packets exchanged with clients over TCP and UDP
// and their JSON encoding.
package protocol

import "chat-relay/internal/storage"

// Kind is the value of the packet_type field
type Kind string

const (
	KindSendMessage Kind = "SendMessage"
	KindGetMessages Kind = "GetMessages"
	KindAck         Kind = "Ack"
	KindPing        Kind = "Ping"
	KindStatus      Kind = "Status"
	KindTyping      Kind = "Typing"

	// KindMessagesPage tags the server's answer to GetMessages
	KindMessagesPage Kind = "MessagesPage"
)

// Default page parameters for GetMessages packets that omit them
const (
	DefaultPage    uint32 = 1
	DefaultPerPage uint32 = 50
)

// Packet is one of SendMessage, GetMessages, AckSignal, Ping, Status or Typing
type Packet interface {
	Kind() Kind
}

type SendMessage struct {
	Message storage.Message
}

type GetMessages struct {
	ChatID  int64
	Page    uint32
	PerPage uint32
}

// AckSignal is the bare Ack envelope. Delivery confirmations use AckPacket.
type AckSignal struct{}

type Ping struct{}

type Status struct {
	UserID     int64
	StatusData string
}

type Typing struct {
	UserID int64
	ChatID int64
}

func (SendMessage) Kind() Kind { return KindSendMessage }
func (GetMessages) Kind() Kind { return KindGetMessages }
func (AckSignal) Kind() Kind   { return KindAck }
func (Ping) Kind() Kind        { return KindPing }
func (Status) Kind() Kind      { return KindStatus }
func (Typing) Kind() Kind      { return KindTyping }

// AckPacket confirms (or refuses) persistence of a SendMessage; it also reports a request that
// could not be served. On the wire it is tagged with packet_type "Ack".
type AckPacket struct {
	MessageID int64  `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// MessagesPage answers a GetMessages request; on the wire it is tagged with packet_type "MessagesPage"
type MessagesPage struct {
	ChatID   int64             `json:"chat_id"`
	Page     uint32            `json:"page"`
	PerPage  uint32            `json:"per_page"`
	Total    int               `json:"total"`
	Messages []storage.Message `json:"messages"`
}
