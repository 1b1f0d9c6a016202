package turn

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"rillcall/pkg/config"
	"rillcall/pkg/logger"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

var ErrInvalidPublicIP = errors.New("turn public ip is not a valid address")

type Config struct {
	// Address is the UDP listen address, e.g. "0.0.0.0:3478".
	Address string
	// PublicIP is advertised in relay addresses.
	PublicIP string
	// RelayBind is the local address relay sockets listen on.
	RelayBind    string
	Realm        string
	Users        map[string]string
	MinRelayPort uint16
	MaxRelayPort uint16
}

// ConfigFrom builds a server config from the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Address:      cfg.TURN.Address,
		PublicIP:     cfg.TURN.PublicIP,
		RelayBind:    "0.0.0.0",
		Realm:        cfg.TURN.Realm,
		Users:        cfg.TURN.Users,
		MinRelayPort: 49152,
		MaxRelayPort: 65535,
	}
}

// Server is an embedded TURN relay for peers behind symmetric NATs.
type Server struct {
	config    Config
	server    *turn.Server
	conn      net.PacketConn
	logger    *zap.SugaredLogger
	startedAt time.Time

	mu     sync.Mutex
	closed bool
}

type Stats struct {
	ActiveAllocations int           `json:"active_allocations"`
	Uptime            time.Duration `json:"uptime"`
}

// Start listens on config.Address and serves until Close.
func Start(cfg Config, log *zap.SugaredLogger) (*Server, error) {
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPublicIP, cfg.PublicIP)
	}
	if cfg.RelayBind == "" {
		cfg.RelayBind = "0.0.0.0"
	}

	keys := make(map[string][]byte, len(cfg.Users))
	for user, password := range cfg.Users {
		keys[user] = turn.GenerateAuthKey(user, cfg.Realm, password)
	}

	conn, err := net.ListenPacket("udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	log = log.With("component", "turn")
	server, err := turn.NewServer(turn.ServerConfig{
		Realm:         cfg.Realm,
		LoggerFactory: logger.NewPionLoggerFactory(log),
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				log.Infow("turn auth rejected", "username", username, "src", srcAddr.String())
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
				RelayAddress: relayIP,
				Address:      cfg.RelayBind,
				MinPort:      cfg.MinRelayPort,
				MaxPort:      cfg.MaxRelayPort,
			},
		}},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	log.Infow("turn server listening",
		"address", conn.LocalAddr().String(),
		"public_ip", cfg.PublicIP,
		"realm", cfg.Realm,
		"users", len(keys),
	)
	return &Server{
		config:    cfg,
		server:    server,
		conn:      conn,
		logger:    log,
		startedAt: time.Now(),
	}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// ICEURLs lists the stun: and turn: URLs clients should be configured with.
func (s *Server) ICEURLs() []string {
	_, port, err := net.SplitHostPort(s.Addr().String())
	if err != nil {
		return nil
	}
	return []string{
		fmt.Sprintf("stun:%s", net.JoinHostPort(s.config.PublicIP, port)),
		fmt.Sprintf("turn:%s?transport=udp", net.JoinHostPort(s.config.PublicIP, port)),
	}
}

// Usernames returns the configured TURN users, sorted.
func (s *Server) Usernames() []string {
	out := make([]string, 0, len(s.config.Users))
	for u := range s.config.Users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveAllocations: s.server.AllocationCount(),
		Uptime:            time.Since(s.startedAt),
	}
}

// Close stops the server and releases its socket. Safe to call twice.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Infow("stopping turn server", "active_allocations", s.server.AllocationCount())
	return s.server.Close()
}
