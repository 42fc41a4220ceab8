package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/cache"
	"chat-relay/internal/protocol"
	"chat-relay/internal/storage"
	mytesting "chat-relay/internal/testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendMessage(t *testing.T) {
	t.Parallel()

	store := &mockPersister{}
	store.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m storage.Message) bool {
		return m.ChatID == 4 && m.ID == 0 && !m.CreatedAt.IsZero()
	})).Return(int64(17), nil).Once()

	f := bootstrapServer(t, store)
	conn := f.dial(t)

	send(t, conn, protocol.SendMessage{Message: textMessage(4, "Hi There!")})
	ack := readAck(t, conn)
	require.Equal(t, protocol.AckPacket{MessageID: 17, Success: true}, ack)

	// the message is cached before the ack is written
	cached, err := f.cache.GetMessages(4, 1, 10)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.Equal(t, int64(17), cached[0].ID)
	require.Equal(t, "Hi There!", cached[0].Content)

	store.AssertExpectations(t)
}

func TestSendMessagePersistenceFailure(t *testing.T) {
	t.Parallel()

	store := &mockPersister{}
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(int64(0), storage.ErrMessageBadChat).Once()

	f := bootstrapServer(t, store)
	conn := f.dial(t)

	send(t, conn, protocol.SendMessage{Message: textMessage(4, "lost")})
	ack := readAck(t, conn)
	require.Equal(t, protocol.AckPacket{MessageID: 0, Success: false, Error: storage.ErrMessageBadChat.Error()}, ack)

	send(t, conn, protocol.GetMessages{ChatID: 4, Page: 1, PerPage: 10})
	page := readPage(t, conn)
	require.Empty(t, page.Messages)
	require.Zero(t, page.Total)

	store.AssertExpectations(t)
}

func TestSendMessageIgnoresClientFields(t *testing.T) {
	t.Parallel()

	store := &mockPersister{}
	store.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m storage.Message) bool {
		return m.ID == 0 && !m.IsEdited && m.EditedAt == nil && m.CreatedAt.Year() > 2000
	})).Return(int64(1), nil).Once()

	f := bootstrapServer(t, store)
	conn := f.dial(t)

	msg := textMessage(4, "forged")
	msg.ID = 999
	msg.IsEdited = true
	send(t, conn, protocol.SendMessage{Message: msg})
	require.True(t, readAck(t, conn).Success)

	store.AssertExpectations(t)
}

func TestGetMessagesReturnsPage(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t, &seqPersister{})
	conn := f.dial(t)

	for i := 0; i < 5; i++ {
		send(t, conn, protocol.SendMessage{Message: textMessage(8, mytesting.RandString())})
		require.True(t, readAck(t, conn).Success)
	}

	send(t, conn, protocol.GetMessages{ChatID: 8, Page: 2, PerPage: 2})
	page := readPage(t, conn)
	require.Equal(t, int64(8), page.ChatID)
	require.Equal(t, uint32(2), page.Page)
	require.Equal(t, uint32(2), page.PerPage)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(3), page.Messages[0].ID)
	require.Equal(t, int64(4), page.Messages[1].ID)

	send(t, conn, protocol.GetMessages{ChatID: 8, Page: 9, PerPage: 2})
	require.Empty(t, readPage(t, conn).Messages)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t, &seqPersister{})
	conn := f.dial(t)

	require.NoError(t, protocol.WriteFrame(conn, []byte(`{"packet_type":"SendMessage","message":`)))
	ack := readAck(t, conn)
	require.False(t, ack.Success)
	require.Zero(t, ack.MessageID)
	require.Contains(t, ack.Error, "malformed packet")

	send(t, conn, protocol.SendMessage{Message: textMessage(1, "still here")})
	ack = readAck(t, conn)
	require.True(t, ack.Success)
	require.Equal(t, int64(1), ack.MessageID)
}

func TestSignalsOverTCPAreIgnored(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t, &seqPersister{})
	conn := f.dial(t)

	send(t, conn, protocol.Ping{})
	send(t, conn, protocol.Status{UserID: 1, StatusData: "online"})
	send(t, conn, protocol.Typing{UserID: 1, ChatID: 2})
	send(t, conn, protocol.AckSignal{})

	// the next frame on the wire answers the GetMessages request
	send(t, conn, protocol.GetMessages{ChatID: 2, Page: 1, PerPage: 10})
	page := readPage(t, conn)
	require.Equal(t, int64(2), page.ChatID)

	_, ok, err := f.presence.Get(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t, &seqPersister{}, MaxFrameSize(64))
	conn := f.dial(t)

	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, 65)
	_, err := conn.Write(header)
	require.NoError(t, err)

	_, err = protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	require.Error(t, err)
}

func TestConcurrentConnectionsSameChat(t *testing.T) {
	t.Parallel()

	store := &seqPersister{}
	f := bootstrapServer(t, store)

	const clients, perClient = 2, 20
	acks := make([][]protocol.AckPacket, clients)

	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		conn := f.dial(t)
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				ack, err := roundTrip(conn, protocol.SendMessage{Message: textMessage(3, mytesting.RandString())})
				if err != nil {
					errs <- err
					return
				}
				acks[c] = append(acks[c], ack)
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, list := range acks {
		for _, ack := range list {
			require.True(t, ack.Success)
		}
	}

	cached, err := f.cache.GetMessages(3, 1, clients*perClient)
	require.NoError(t, err)
	require.Len(t, cached, clients*perClient)

	got := make([]int64, len(cached))
	for i, m := range cached {
		got[i] = m.ID
		if i > 0 {
			require.True(t, cached[i-1].CreatedAt.Before(m.CreatedAt))
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, store.order, got)
}

func TestSendMessageAfterNewerHydratedMessage(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t, &seqPersister{})

	future := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	hydrated := textMessage(5, "from another writer")
	hydrated.ID = 100
	hydrated.CreatedAt = future
	require.NoError(t, f.cache.AddMessage(hydrated))

	conn := f.dial(t)
	send(t, conn, protocol.SendMessage{Message: textMessage(5, "local")})
	require.True(t, readAck(t, conn).Success)

	cached, err := f.cache.GetMessages(5, 1, 10)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	require.Equal(t, int64(100), cached[0].ID)
	require.True(t, cached[1].CreatedAt.After(cached[0].CreatedAt))
}

func TestCachePoisonFailsAck(t *testing.T) {
	t.Parallel()

	logger := zap.NewNop().Sugar()
	poisoned := &failingCache{MessageCache: cache.New(logger), err: errors.New("messages: cache shard is poisoned")}
	f := startServer(t, logger, poisoned, &seqPersister{})

	conn := f.dial(t)
	send(t, conn, protocol.SendMessage{Message: textMessage(1, "x")})
	ack := readAck(t, conn)
	require.False(t, ack.Success)
	require.Equal(t, int64(1), ack.MessageID)
	require.Contains(t, ack.Error, "poisoned")

	// a failed read is answered with a tagged Ack instead of a page
	send(t, conn, protocol.GetMessages{ChatID: 1, Page: 1, PerPage: 1})
	data, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	kind, err := protocol.ResponseKind(data)
	require.NoError(t, err)
	require.Equal(t, protocol.KindAck, kind)
	ack, err = protocol.DecodeAck(data)
	require.NoError(t, err)
	require.False(t, ack.Success)
}

// roundTrip sends p and reads the Ack without touching testing.T, for use in helper goroutines
func roundTrip(conn net.Conn, p protocol.Packet) (protocol.AckPacket, error) {
	data, err := protocol.Encode(p)
	if err != nil {
		return protocol.AckPacket{}, err
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		return protocol.AckPacket{}, err
	}
	reply, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		return protocol.AckPacket{}, err
	}
	return protocol.DecodeAck(reply)
}

type failingCache struct {
	MessageCache
	err error
}

func (c *failingCache) AddMessage(storage.Message) error { return c.err }

func (c *failingCache) GetMessages(int64, uint32, uint32) ([]storage.Message, error) {
	return nil, c.err
}
