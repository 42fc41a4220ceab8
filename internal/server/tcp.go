package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"chat-relay/internal/protocol"
	"chat-relay/internal/storage"
	"chat-relay/internal/storage/zapadapter"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// serveTCP accepts connections until the listener is closed
func (s *Server) serveTCP(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warnf("Accepting TCP connection: %v", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.trackConn(conn) {
			conn.Close()
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes frames of one connection sequentially until EOF or a fatal error
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := xid.New().String()
	ctx = zapadapter.NewContextWithConnID(ctx, id)
	logger := s.logger.With(zap.String("conn_id", id), zap.Stringer("remote", conn.RemoteAddr()))

	logger.Info("TCP connection accepted")

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Connection handler panic: %v", r)
		}
		conn.Close()
		logger.Info("TCP connection closed")
	}()

	for {
		if s.cfg.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.idleTimeout)); err != nil {
				logger.Warnf("Setting read deadline: %v", err)
				return
			}
		}

		payload, err := protocol.ReadFrame(conn, s.cfg.maxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, protocol.ErrFrameTooLarge):
				logger.Warnf("Closing connection: %v", err)
			case ctx.Err() != nil:
			default:
				logger.Warnf("Reading frame: %v", err)
			}
			return
		}

		if err := s.dispatch(ctx, logger, conn, payload); err != nil {
			logger.Warnf("Writing response: %v", err)
			return
		}
	}
}

// dispatch handles one decoded frame and writes its response, if any
func (s *Server) dispatch(ctx context.Context, logger *zap.SugaredLogger, conn net.Conn, payload []byte) error {
	packet, err := protocol.Decode(payload)
	if err != nil {
		logger.Warnf("Malformed packet: %v", err)
		return s.writeAck(conn, protocol.AckPacket{Error: err.Error()})
	}

	switch p := packet.(type) {
	case protocol.SendMessage:
		return s.writeAck(conn, s.sendMessage(ctx, logger, p.Message))
	case protocol.GetMessages:
		return s.getMessages(conn, logger, p)
	default:
		logger.Debugf("Ignoring %s packet received over TCP", packet.Kind())
		return nil
	}
}

// sendMessage persists m and mirrors it into the cache while holding writeMu,
// so cache order equals durable write order
func (s *Server) sendMessage(ctx context.Context, logger *zap.SugaredLogger, m storage.Message) protocol.AckPacket {
	m.ID = 0
	m.IsEdited = false
	m.EditedAt = nil

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// hydrated rows may be newer than the local clock
	floor, _, err := s.cache.LastMessageTime(m.ChatID)
	if err != nil {
		logger.Errorf("Reading last message time of chat %d: %v", m.ChatID, err)
		return protocol.AckPacket{Error: err.Error()}
	}
	m.CreatedAt = s.nextCreatedAt(floor)

	id, err := s.store.CreateMessage(ctx, m)
	if err != nil {
		logger.Errorf("Storing message for chat %d: %v", m.ChatID, err)
		return protocol.AckPacket{Error: err.Error()}
	}
	m.ID = id

	if err := s.cache.AddMessage(m); err != nil {
		logger.Errorf("Message %d stored but not cached: %v", id, err)
		return protocol.AckPacket{MessageID: id, Error: err.Error()}
	}

	logger.Debugf("Message %d stored in chat %d", id, m.ChatID)

	return protocol.AckPacket{MessageID: id, Success: true}
}

// nextCreatedAt returns a microsecond timestamp strictly after both the previous one and floor;
// writeMu must be held
func (s *Server) nextCreatedAt(floor time.Time) time.Time {
	last := s.lastCreated
	if floor.After(last) {
		last = floor.UTC().Truncate(time.Microsecond)
	}

	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(last) {
		t = last.Add(time.Microsecond)
	}
	s.lastCreated = t
	return t
}

func (s *Server) getMessages(conn net.Conn, logger *zap.SugaredLogger, p protocol.GetMessages) error {
	messages, err := s.cache.GetMessages(p.ChatID, p.Page, p.PerPage)
	if err != nil {
		logger.Errorf("Reading messages of chat %d: %v", p.ChatID, err)
		return s.writeAck(conn, protocol.AckPacket{Error: err.Error()})
	}

	total, err := s.cache.GetMessageCount(p.ChatID)
	if err != nil {
		logger.Errorf("Counting messages of chat %d: %v", p.ChatID, err)
		return s.writeAck(conn, protocol.AckPacket{Error: err.Error()})
	}

	payload, err := protocol.EncodePage(protocol.MessagesPage{
		ChatID:   p.ChatID,
		Page:     p.Page,
		PerPage:  p.PerPage,
		Total:    total,
		Messages: messages,
	})
	if err != nil {
		return fmt.Errorf("encoding page: %w", err)
	}

	return s.writeFrame(conn, payload)
}

func (s *Server) writeAck(conn net.Conn, ack protocol.AckPacket) error {
	payload, err := protocol.EncodeAck(ack)
	if err != nil {
		return fmt.Errorf("encoding ack: %w", err)
	}
	return s.writeFrame(conn, payload)
}

func (s *Server) writeFrame(conn net.Conn, payload []byte) error {
	if s.cfg.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(conn, payload)
}
