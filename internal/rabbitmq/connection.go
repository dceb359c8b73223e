package rabbitmq

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aahmedessam30/lararabbit/config"
)

// ConnectionManager owns the broker connection and its single multiplexed
// channel. Both are created lazily and replaced wholesale when found invalid,
// never patched in place. The exchange is declared at most once per channel
// generation; changing the exchange name forces a redeclaration on the next
// channel acquisition.
//
// One ConnectionManager backs one logical publisher/consumer context; the
// connection/channel pair is not meant for concurrent use by multiple flows.
type ConnectionManager struct {
	connCfg config.ConnectionConfig
	exCfg   config.ExchangeConfig

	mu               sync.Mutex
	conn             *amqp.Connection
	channel          Channel
	exchangeName     string
	exchangeDeclared bool
	logger           *slog.Logger

	// Overridable in tests.
	dial        func(url string, cfg amqp.Config) (*amqp.Connection, error)
	openChannel func(conn *amqp.Connection) (Channel, error)
	closeConn   func(conn *amqp.Connection) error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// NewConnectionManager creates a connection manager for the given broker and
// exchange configuration. No connection is attempted until first use.
func NewConnectionManager(connCfg config.ConnectionConfig, exCfg config.ExchangeConfig, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		connCfg:      connCfg,
		exCfg:        exCfg,
		exchangeName: exCfg.Name,
		logger:       slog.Default(),
		dial:         amqp.DialConfig,
		openChannel: func(conn *amqp.Connection) (Channel, error) {
			return conn.Channel()
		},
		closeConn: func(conn *amqp.Connection) error {
			return conn.Close()
		},
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// GetConnection returns the cached connection if it is still live, dialing a
// new one otherwise.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ensureConnection()
}

// GetChannel returns the cached channel if open. Otherwise it ensures a live
// connection, opens a fresh channel, and declares the exchange on it. Partial
// state is torn down on any failure before the error is returned.
func (cm *ConnectionManager) GetChannel() (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.channel != nil && !cm.channel.IsClosed() {
		// A pending exchange change is applied on the live channel.
		if err := cm.declareExchangeLocked(); err != nil {
			return nil, err
		}
		return cm.channel, nil
	}

	conn, err := cm.ensureConnection()
	if err != nil {
		return nil, err
	}

	ch, err := cm.openChannel(conn)
	if err != nil {
		cm.closeLocked()
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.uri()),
			Err:       fmt.Errorf("%w: %v", ErrChannelClosed, err),
			Timestamp: time.Now(),
		}
	}

	cm.channel = ch
	cm.exchangeDeclared = false

	if err := cm.declareExchangeLocked(); err != nil {
		cm.closeLocked()
		return nil, err
	}

	return cm.channel, nil
}

// ExchangeName returns the current exchange name
func (cm *ConnectionManager) ExchangeName() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.exchangeName
}

// SetExchangeName switches the exchange. The next GetChannel redeclares it.
func (cm *ConnectionManager) SetExchangeName(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if name == cm.exchangeName {
		return
	}

	cm.exchangeName = name
	cm.exchangeDeclared = false
	cm.logger.Debug("exchange name changed, redeclaration pending", "exchange", name)
}

// IsConnected reports whether a live connection is cached
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// CloseConnection closes the channel, then the connection, best-effort. Close
// errors are logged and swallowed; both references are nilled regardless.
func (cm *ConnectionManager) CloseConnection() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.closeLocked()
}

// Reconnect tears down whatever exists and builds a fresh connection,
// channel, and exchange declaration. It reports success; on any failure it
// cleans up and returns false, never an error.
func (cm *ConnectionManager) Reconnect() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closeLocked()

	conn, err := cm.ensureConnection()
	if err != nil {
		cm.logger.Error("reconnect failed to establish connection", "error", err)
		return false
	}

	ch, err := cm.openChannel(conn)
	if err != nil {
		cm.logger.Error("reconnect failed to open channel", "error", err)
		cm.closeLocked()
		return false
	}

	cm.channel = ch
	cm.exchangeDeclared = false

	if err := cm.declareExchangeLocked(); err != nil {
		cm.logger.Error("reconnect failed to declare exchange", "exchange", cm.exchangeName, "error", err)
		cm.closeLocked()
		return false
	}

	cm.logger.Info("reconnected to RabbitMQ", "exchange", cm.exchangeName)
	return true
}

// ensureConnection returns the cached connection or dials a replacement.
// Callers must hold mu.
func (cm *ConnectionManager) ensureConnection() (*amqp.Connection, error) {
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	url := cm.uri()
	conn, err := cm.dial(url, cm.amqpConfig())
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       fmt.Errorf("%w: %v", ErrConnectionFailure, err),
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))
	return cm.conn, nil
}

// declareExchangeLocked declares the exchange once per channel generation.
// Callers must hold mu.
func (cm *ConnectionManager) declareExchangeLocked() error {
	if cm.exchangeDeclared {
		return nil
	}

	var err error
	if cm.exCfg.Passive {
		err = cm.channel.ExchangeDeclarePassive(
			cm.exchangeName, cm.exCfg.Type, cm.exCfg.Durable, cm.exCfg.AutoDelete, false, false, nil)
	} else {
		err = cm.channel.ExchangeDeclare(
			cm.exchangeName, cm.exCfg.Type, cm.exCfg.Durable, cm.exCfg.AutoDelete, false, false, nil)
	}
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      cm.exchangeName,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.exchangeDeclared = true
	cm.logger.Debug("exchange declared", "exchange", cm.exchangeName, "type", cm.exCfg.Type)
	return nil
}

// closeLocked is best-effort cleanup. Callers must hold mu.
func (cm *ConnectionManager) closeLocked() {
	if cm.channel != nil && !cm.channel.IsClosed() {
		if err := cm.channel.Close(); err != nil {
			cm.logger.Warn("failed to close channel", "error", err)
		}
	}
	cm.channel = nil

	if cm.conn != nil && !cm.conn.IsClosed() {
		if err := cm.closeConn(cm.conn); err != nil {
			cm.logger.Warn("failed to close connection", "error", err)
		}
	}
	cm.conn = nil
	cm.exchangeDeclared = false
}

func (cm *ConnectionManager) uri() string {
	scheme := "amqp"
	if cm.connCfg.TLS {
		scheme = "amqps"
	}

	u := amqp.URI{
		Scheme:   scheme,
		Host:     cm.connCfg.Host,
		Port:     cm.connCfg.Port,
		Username: cm.connCfg.User,
		Password: cm.connCfg.Password,
		Vhost:    cm.connCfg.Vhost,
	}
	return u.String()
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	return amqp.Config{
		Heartbeat: cm.connCfg.Heartbeat,
		Vhost:     cm.connCfg.Vhost,
		Dial:      cm.netDial,
	}
}

// netDial applies the configured connection timeout, keepalive, and the
// handshake read/write deadline. The library clears the deadline once the
// connection is open.
func (cm *ConnectionManager) netDial(network, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cm.connCfg.ConnectionTimeout}
	if !cm.connCfg.Keepalive {
		dialer.KeepAlive = -1
	}

	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	if cm.connCfg.ReadWriteTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(cm.connCfg.ReadWriteTimeout)); err != nil {
			return nil, err
		}
	}

	return conn, nil
}
