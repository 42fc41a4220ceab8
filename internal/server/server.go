package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
	"chat-relay/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrTransportPanic = errors.New("transport panicked")

// BindError reports a transport that could not listen on its address
type BindError struct {
	Transport string
	Addr      string
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot bind %s transport on %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Persister is the durable write path for messages
type Persister interface {
	CreateMessage(ctx context.Context, m storage.Message) (int64, error)
}

// MessageCache is the read path and write-through target
type MessageCache interface {
	AddMessage(m storage.Message) error
	GetMessages(chat int64, page, perPage uint32) ([]storage.Message, error)
	GetMessageCount(chat int64) (int, error)
	LastMessageTime(chat int64) (time.Time, bool, error)
	ChatParticipants(chat int64) ([]int64, error)
}

// Server owns the TCP and UDP transports and the handles they share
type Server struct {
	logger   *zap.SugaredLogger
	cfg      config
	cache    MessageCache
	store    Persister
	presence presence.Registry
	now      func() time.Time

	// writeMu orders persist and cache append of messages process-wide
	writeMu     sync.Mutex
	lastCreated time.Time

	tcp   net.Listener
	udp   net.PacketConn
	group *errgroup.Group

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	connWG  sync.WaitGroup
}

// NewServer returns new Server with provided zap.SugaredLogger, cache, store and presence registry
func NewServer(logger *zap.SugaredLogger, cache MessageCache, store Persister, registry presence.Registry, opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.maxFrameSize == 0 {
		return nil, errors.New("max frame size must be positive")
	}

	srv := &Server{
		logger:   logger,
		cfg:      cfg,
		cache:    cache,
		store:    store,
		presence: registry,
		now:      time.Now,
		conns:    make(map[net.Conn]struct{}),
	}

	if srv.cfg.typingFanOut == nil {
		srv.cfg.typingFanOut = func(_ context.Context, signal protocol.Typing, targets []int64) {
			logger.Debugf("User %d is typing in chat %d, targets %v", signal.UserID, signal.ChatID, targets)
		}
	}

	return srv, nil
}

// Start binds both transports and schedules their loops; it returns once both are running.
// Start is all or nothing: a bind failure of either transport also closes the one already bound,
// so a server never runs with a single transport. The failure is returned as *BindError.
// The loops stop when ctx is canceled or when either of them fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.tcpAddr)
	if err != nil {
		bindErr := &BindError{Transport: "tcp", Addr: s.cfg.tcpAddr, Err: err}
		s.logger.Error(bindErr)
		return bindErr
	}

	pc, err := net.ListenPacket("udp", s.cfg.udpAddr)
	if err != nil {
		ln.Close()
		bindErr := &BindError{Transport: "udp", Addr: s.cfg.udpAddr, Err: err}
		s.logger.Error(bindErr)
		return bindErr
	}

	s.tcp, s.udp = ln, pc

	group, groupCtx := errgroup.WithContext(ctx)
	s.group = group

	group.Go(func() error {
		return s.supervise("tcp", func() error { return s.serveTCP(groupCtx, ln) })
	})
	group.Go(func() error {
		return s.supervise("udp", func() error { return s.serveUDP(groupCtx, pc) })
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("Shutting down transports")
		ln.Close()
		pc.Close()
		s.closeConns()
		return nil
	})

	s.logger.Infof("TCP transport listening on %s", ln.Addr())
	s.logger.Infof("UDP transport listening on %s", pc.LocalAddr())

	return nil
}

// Wait blocks until both transports and all TCP connections have stopped,
// runs after-shutdown hooks and returns the first transport failure
func (s *Server) Wait() error {
	if s.group == nil {
		return errors.New("server is not started")
	}

	err := s.group.Wait()
	s.connWG.Wait()

	for _, f := range s.cfg.afterShutdown {
		f()
	}
	s.logger.Info("Transports are stopped")

	return err
}

// TCPAddr returns the bound TCP address, nil before Start
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound UDP address, nil before Start
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// supervise turns a panic of a transport loop into an error so the group shuts the sibling down
func (s *Server) supervise(name string, run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", name, ErrTransportPanic, r)
		}
		if err != nil {
			s.logger.Errorf("%s transport stopped: %v", name, err)
		}
	}()

	return run()
}

// trackConn registers conn for shutdown; it reports false when the server is already closing
func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
}
