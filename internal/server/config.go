package server

import (
	"context"
	"net"
	"strconv"
	"time"

	"chat-relay/internal/protocol"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// TypingFanOut receives the participants that should be told about a Typing signal
type TypingFanOut func(ctx context.Context, signal protocol.Typing, targets []int64)

// config defines fields used for configuring Server instance
type config struct {
	tcpAddr       string
	udpAddr       string
	idleTimeout   time.Duration
	writeTimeout  time.Duration
	maxFrameSize  uint32
	typingFanOut  TypingFanOut
	afterShutdown []func()
}

func defaultConfig() config {
	return config{
		tcpAddr:      "127.0.0.1:8081",
		udpAddr:      "127.0.0.1:8082",
		idleTimeout:  5 * time.Minute,
		writeTimeout: 10 * time.Second,
		maxFrameSize: protocol.DefaultMaxFrameSize,
	}
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	TCPHost      string        `env:"TCP_HOST" envDefault:"127.0.0.1"`
	TCPPort      uint16        `env:"TCP_PORT" envDefault:"8081"`
	UDPHost      string        `env:"UDP_HOST" envDefault:"127.0.0.1"`
	UDPPort      uint16        `env:"UDP_PORT" envDefault:"8082"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	MaxFrameSize uint32        `env:"MAX_FRAME_SIZE" envDefault:"1048576"`
	LogJSON      bool          `env:"LOG_JSON" envDefault:"false"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.tcpAddr = net.JoinHostPort(cfg.TCPHost, strconv.FormatUint(uint64(cfg.TCPPort), 10))
		c.udpAddr = net.JoinHostPort(cfg.UDPHost, strconv.FormatUint(uint64(cfg.UDPPort), 10))
		c.idleTimeout = cfg.IdleTimeout
		c.maxFrameSize = cfg.MaxFrameSize
	})
}

// TCPAddr sets the bind address of the reliable transport
func TCPAddr(addr string) Option {
	return optionFunc(func(c *config) {
		c.tcpAddr = addr
	})
}

// UDPAddr sets the bind address of the signaling transport
func UDPAddr(addr string) Option {
	return optionFunc(func(c *config) {
		c.udpAddr = addr
	})
}

// IdleTimeout closes TCP connections that send nothing for d; zero disables it
func IdleTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.idleTimeout = d
	})
}

// WriteTimeout bounds every TCP response write
func WriteTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.writeTimeout = d
	})
}

// MaxFrameSize sets the largest accepted TCP frame payload
func MaxFrameSize(n uint32) Option {
	return optionFunc(func(c *config) {
		c.maxFrameSize = n
	})
}

// WithTypingFanOut registers the receiver of Typing fan-out targets
func WithTypingFanOut(f TypingFanOut) Option {
	return optionFunc(func(c *config) {
		c.typingFanOut = f
	})
}

// RegisterAfterShutdown registers a function to call after both transports stopped
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
