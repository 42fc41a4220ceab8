package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"chat-relay/internal/storage"

	"github.com/valyala/fastjson"
)

var ErrMalformedPacket = errors.New("malformed packet")

// DecodeError describes why bytes could not be decoded into a packet
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "malformed packet: " + e.Reason }

func (e *DecodeError) Unwrap() error { return ErrMalformedPacket }

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

var parserPool fastjson.ParserPool

// envelope is the wire shape shared by every packet kind
type envelope struct {
	PacketType Kind             `json:"packet_type"`
	Message    *storage.Message `json:"message,omitempty"`
	ChatID     *int64           `json:"chat_id,omitempty"`
	Page       *uint32          `json:"page,omitempty"`
	PerPage    *uint32          `json:"per_page,omitempty"`
	UserID     *int64           `json:"user_id,omitempty"`
	StatusData *string          `json:"status_data,omitempty"`
}

// Encode returns the JSON envelope for p carrying only the fields of its kind
func Encode(p Packet) ([]byte, error) {
	var e envelope
	switch p := p.(type) {
	case SendMessage:
		e.Message = &p.Message
	case GetMessages:
		e.ChatID, e.Page, e.PerPage = &p.ChatID, &p.Page, &p.PerPage
	case Status:
		e.UserID, e.StatusData = &p.UserID, &p.StatusData
	case Typing:
		e.UserID, e.ChatID = &p.UserID, &p.ChatID
	case AckSignal, Ping:
	case nil:
		return nil, errors.New("encode: nil packet")
	default:
		return nil, fmt.Errorf("encode: unsupported packet %T", p)
	}
	e.PacketType = p.Kind()

	return json.Marshal(e)
}

type ackEnvelope struct {
	PacketType Kind `json:"packet_type"`
	AckPacket
}

type pageEnvelope struct {
	PacketType Kind `json:"packet_type"`
	MessagesPage
}

// EncodeAck returns the JSON form of ack
func EncodeAck(ack AckPacket) ([]byte, error) {
	return json.Marshal(ackEnvelope{PacketType: KindAck, AckPacket: ack})
}

// EncodePage returns the JSON form of page. A nil message list is sent as [].
func EncodePage(page MessagesPage) ([]byte, error) {
	if page.Messages == nil {
		page.Messages = []storage.Message{}
	}
	return json.Marshal(pageEnvelope{PacketType: KindMessagesPage, MessagesPage: page})
}

// ResponseKind reports which response a server frame carries: KindAck or KindMessagesPage
func ResponseKind(data []byte) (Kind, error) {
	parser := parserPool.Get()
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return "", malformed("invalid JSON: %v", err)
	}
	return responseKind(v)
}

func responseKind(v *fastjson.Value) (Kind, error) {
	kind, ok, err := optString(v, "packet_type")
	if err != nil {
		return "", err
	}
	switch Kind(kind) {
	case KindAck, KindMessagesPage:
		return Kind(kind), nil
	}
	if !ok {
		return "", malformed("missing field \"packet_type\"")
	}
	return "", malformed("unknown response packet_type %q", kind)
}

func expectResponse(v *fastjson.Value, want Kind) error {
	kind, err := responseKind(v)
	if err != nil {
		return err
	}
	if kind != want {
		return malformed("expected %s, got %s", want, kind)
	}
	return nil
}

// Decode parses one JSON envelope. Fields that do not belong to the packet kind are ignored.
// Any failure is reported as *DecodeError.
func Decode(data []byte) (p Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, malformed("decoder panic: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, malformed("empty payload")
	}
	if err := fastjson.ValidateBytes(data); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}

	parser := parserPool.Get()
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, malformed("expected JSON object, got %s", v.Type())
	}

	kind, ok, err := optString(v, "packet_type")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, malformed("missing field \"packet_type\"")
	}

	switch Kind(kind) {
	case KindSendMessage:
		mv := field(v, "message")
		if mv == nil {
			return nil, malformed("missing field \"message\"")
		}
		m, err := decodeMessage(mv)
		if err != nil {
			return nil, err
		}
		return SendMessage{Message: m}, nil

	case KindGetMessages:
		chatID, err := reqInt64(v, "chat_id")
		if err != nil {
			return nil, err
		}
		page, ok, err := optUint32(v, "page")
		if err != nil {
			return nil, err
		}
		if !ok {
			page = DefaultPage
		}
		perPage, ok, err := optUint32(v, "per_page")
		if err != nil {
			return nil, err
		}
		if !ok {
			perPage = DefaultPerPage
		}
		return GetMessages{ChatID: chatID, Page: page, PerPage: perPage}, nil

	case KindAck:
		return AckSignal{}, nil

	case KindPing:
		return Ping{}, nil

	case KindStatus:
		userID, err := reqInt64(v, "user_id")
		if err != nil {
			return nil, err
		}
		status, ok, err := optString(v, "status_data")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, malformed("missing field \"status_data\"")
		}
		return Status{UserID: userID, StatusData: status}, nil

	case KindTyping:
		userID, err := reqInt64(v, "user_id")
		if err != nil {
			return nil, err
		}
		chatID, err := reqInt64(v, "chat_id")
		if err != nil {
			return nil, err
		}
		return Typing{UserID: userID, ChatID: chatID}, nil

	default:
		return nil, malformed("unknown packet_type %q", kind)
	}
}

// DecodeAck parses an AckPacket
func DecodeAck(data []byte) (AckPacket, error) {
	parser := parserPool.Get()
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return AckPacket{}, malformed("invalid JSON: %v", err)
	}
	if err := expectResponse(v, KindAck); err != nil {
		return AckPacket{}, err
	}

	var ack AckPacket
	if ack.MessageID, err = reqInt64(v, "message_id"); err != nil {
		return AckPacket{}, err
	}
	sv := field(v, "success")
	if sv == nil {
		return AckPacket{}, malformed("missing field \"success\"")
	}
	if ack.Success, err = sv.Bool(); err != nil {
		return AckPacket{}, malformed("field \"success\" must be a boolean")
	}
	if ack.Error, _, err = optString(v, "error"); err != nil {
		return AckPacket{}, err
	}

	return ack, nil
}

// DecodePage parses a MessagesPage
func DecodePage(data []byte) (MessagesPage, error) {
	parser := parserPool.Get()
	defer parserPool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return MessagesPage{}, malformed("invalid JSON: %v", err)
	}
	if err := expectResponse(v, KindMessagesPage); err != nil {
		return MessagesPage{}, err
	}

	var page MessagesPage
	if page.ChatID, err = reqInt64(v, "chat_id"); err != nil {
		return MessagesPage{}, err
	}
	if page.Page, _, err = optUint32(v, "page"); err != nil {
		return MessagesPage{}, err
	}
	if page.PerPage, _, err = optUint32(v, "per_page"); err != nil {
		return MessagesPage{}, err
	}
	total, err := reqInt64(v, "total")
	if err != nil {
		return MessagesPage{}, err
	}
	page.Total = int(total)

	mv := field(v, "messages")
	if mv == nil {
		return MessagesPage{}, malformed("missing field \"messages\"")
	}
	items, err := mv.Array()
	if err != nil {
		return MessagesPage{}, malformed("field \"messages\" must be an array")
	}
	page.Messages = make([]storage.Message, 0, len(items))
	for _, item := range items {
		m, err := decodeMessage(item)
		if err != nil {
			return MessagesPage{}, err
		}
		page.Messages = append(page.Messages, m)
	}

	return page, nil
}

func decodeMessage(v *fastjson.Value) (storage.Message, error) {
	if v.Type() != fastjson.TypeObject {
		return storage.Message{}, malformed("field \"message\" must be an object")
	}

	var m storage.Message
	var err error

	if m.ID, _, err = optInt64(v, "id"); err != nil {
		return storage.Message{}, err
	}
	if m.ChatID, err = reqInt64(v, "chat_id"); err != nil {
		return storage.Message{}, err
	}
	if m.SenderID, err = reqInt64(v, "sender_id"); err != nil {
		return storage.Message{}, err
	}

	content, ok, err := optString(v, "content")
	if err != nil {
		return storage.Message{}, err
	}
	if !ok {
		return storage.Message{}, malformed("missing field \"content\"")
	}
	m.Content = content

	typ, ok, err := optString(v, "message_type")
	if err != nil {
		return storage.Message{}, err
	}
	if !ok {
		return storage.Message{}, malformed("missing field \"message_type\"")
	}
	if m.Type, err = storage.ParseMessageType(typ); err != nil {
		return storage.Message{}, malformed("%v", err)
	}

	createdAt, ok, err := optTime(v, "created_at")
	if err != nil {
		return storage.Message{}, err
	}
	if ok {
		m.CreatedAt = createdAt
	}

	if ev := field(v, "is_edited"); ev != nil {
		if m.IsEdited, err = ev.Bool(); err != nil {
			return storage.Message{}, malformed("field \"is_edited\" must be a boolean")
		}
	}

	editedAt, ok, err := optTime(v, "edited_at")
	if err != nil {
		return storage.Message{}, err
	}
	if ok {
		m.EditedAt = &editedAt
	}

	return m, nil
}

// field returns the value under key, treating explicit null as absent
func field(v *fastjson.Value, key string) *fastjson.Value {
	f := v.Get(key)
	if f == nil || f.Type() == fastjson.TypeNull {
		return nil
	}
	return f
}

func optString(v *fastjson.Value, key string) (string, bool, error) {
	f := field(v, key)
	if f == nil {
		return "", false, nil
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", false, malformed("field %q must be a string", key)
	}
	return string(b), true, nil
}

func optInt64(v *fastjson.Value, key string) (int64, bool, error) {
	f := field(v, key)
	if f == nil {
		return 0, false, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, false, malformed("field %q must be a 64-bit integer value", key)
	}
	return n, true, nil
}

func reqInt64(v *fastjson.Value, key string) (int64, error) {
	n, ok, err := optInt64(v, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, malformed("missing field %q", key)
	}
	return n, nil
}

func optUint32(v *fastjson.Value, key string) (uint32, bool, error) {
	f := field(v, key)
	if f == nil {
		return 0, false, nil
	}
	n, err := f.Uint64()
	if err != nil || n > math.MaxUint32 {
		return 0, false, malformed("field %q must be an unsigned 32-bit integer value", key)
	}
	return uint32(n), true, nil
}

func optTime(v *fastjson.Value, key string) (time.Time, bool, error) {
	s, ok, err := optString(v, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, malformed("field %q must be an RFC 3339 timestamp", key)
	}
	return t, true, nil
}
