package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
)

const maxDatagramSize = 64 * 1024

var pong = []byte("pong")

// serveUDP handles one datagram at a time until the socket is closed
func (s *Server) serveUDP(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		s.handleDatagram(ctx, pc, addr, buf[:n])
	}
}

func (s *Server) handleDatagram(ctx context.Context, pc net.PacketConn, addr net.Addr, data []byte) {
	packet, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warnf("Dropping datagram from %s: %v", addr, err)
		return
	}

	switch p := packet.(type) {
	case protocol.Ping:
		if _, err := pc.WriteTo(pong, addr); err != nil {
			s.logger.Warnf("Replying pong to %s: %v", addr, err)
		}

	case protocol.Status:
		entry := presence.Entry{UserID: p.UserID, Status: p.StatusData, UpdatedAt: s.now()}
		stored, err := s.presence.Upsert(ctx, entry)
		if err != nil {
			s.logger.Errorf("Updating presence of user %d: %v", p.UserID, err)
			return
		}
		if !stored {
			s.logger.Debugf("Stale status of user %d ignored", p.UserID)
		}

	case protocol.Typing:
		participants, err := s.cache.ChatParticipants(p.ChatID)
		if err != nil {
			s.logger.Errorf("Resolving participants of chat %d: %v", p.ChatID, err)
			return
		}
		targets := make([]int64, 0, len(participants))
		for _, user := range participants {
			if user != p.UserID {
				targets = append(targets, user)
			}
		}
		if len(targets) > 0 {
			s.cfg.typingFanOut(ctx, p, targets)
		}

	default:
		s.logger.Debugf("Ignoring %s packet received over UDP", packet.Kind())
	}
}
