package rttmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/delay"
	"github.com/couchbase/stellar-sdam/core/description"
	"go.uber.org/zap"
)

// The weight given to each new sample in the moving average.
const alpha = 0.2

type Options struct {
	ServerID          description.ServerID
	Address           string
	ConnectionFactory connection.Factory
	Frequency         time.Duration
	Logger            *zap.Logger
}

// Monitor estimates the round trip time to a server by sending hello
// commands over its own dedicated connection.
type Monitor struct {
	serverID  description.ServerID
	address   string
	factory   connection.Factory
	frequency time.Duration
	logger    *zap.Logger

	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}
	closeOnce sync.Once

	lock      sync.Mutex
	conn      connection.Connection
	average   time.Duration
	hasSample bool
	started   bool
}

func New(opts *Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	return &Monitor{
		serverID:  opts.ServerID,
		address:   opts.Address,
		factory:   opts.ConnectionFactory,
		frequency: opts.Frequency,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		closeCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.  Calling it more than once, or after the
// monitor was closed, has no effect.
func (m *Monitor) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.started || m.ctx.Err() != nil {
		return
	}
	m.started = true

	go m.procThread()
}

func (m *Monitor) IsStarted() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.started
}

// Average returns the current round trip time estimate, or zero if no sample
// has been taken since the last reset.
func (m *Monitor) Average() time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.average
}

func (m *Monitor) AddSample(sample time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.hasSample {
		m.average = sample
		m.hasSample = true
		return
	}

	m.average = time.Duration(alpha*float64(sample) + (1-alpha)*float64(m.average))
}

func (m *Monitor) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.average = 0
	m.hasSample = false
}

// Connection returns the dedicated connection currently in use, or the one
// which was in use when the monitor was closed.
func (m *Monitor) Connection() connection.Connection {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.conn
}

func (m *Monitor) procThread() {
MainLoop:
	for {
		m.sample()

		if m.frequency == delay.Infinite {
			<-m.ctx.Done()
			break MainLoop
		}

		select {
		case <-time.After(m.frequency):
		case <-m.ctx.Done():
			break MainLoop
		}
	}

	close(m.closeCh)
}

func (m *Monitor) sample() {
	m.lock.Lock()
	conn := m.conn
	m.lock.Unlock()

	if conn == nil {
		m.connect()
		return
	}

	cmd, err := connection.HelloCommand(&connection.HelloCommandOptions{
		HelloOK: conn.HelloResult() != nil && conn.HelloResult().HelloOK,
	})
	if err != nil {
		m.logger.Warn("failed to build round trip command", zap.Error(err))
		return
	}

	start := time.Now()
	err = conn.SendCommand(m.ctx, cmd, false)
	if err == nil {
		_, err = conn.ReceiveResponse(m.ctx)
	}
	if err != nil {
		m.handleFailure(conn, err)
		return
	}

	m.AddSample(time.Since(start))
}

func (m *Monitor) connect() {
	conn, err := m.factory.CreateConnection(m.serverID, m.address)
	if err != nil {
		m.logger.Debug("failed to create round trip connection", zap.Error(err))
		m.Reset()
		return
	}

	start := time.Now()
	err = conn.Open(m.ctx)
	if err != nil {
		m.handleFailure(conn, err)
		return
	}
	elapsed := time.Since(start)

	m.lock.Lock()
	if m.ctx.Err() != nil {
		m.lock.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.lock.Unlock()

	m.AddSample(elapsed)
}

func (m *Monitor) handleFailure(conn connection.Connection, err error) {
	m.lock.Lock()
	if m.conn == conn {
		if m.ctx.Err() != nil {
			// closing, the connection is released by Close
			m.lock.Unlock()
			return
		}
		m.conn = nil
	}
	m.lock.Unlock()

	m.logger.Debug("round trip sample failed",
		zap.Stringer("connectionId", conn.ID()),
		zap.Error(err))

	_ = conn.Close()
	m.Reset()
}

// Close stops the sampling loop and closes the dedicated connection.  It is
// safe to call Close more than once.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.lock.Lock()
		m.ctxCancel()
		started := m.started
		m.lock.Unlock()

		if started {
			<-m.closeCh
		}

		m.lock.Lock()
		conn := m.conn
		m.lock.Unlock()

		if conn != nil {
			err := conn.Close()
			if err != nil {
				m.logger.Debug("failed to close round trip connection", zap.Error(err))
			}
		}
	})
}
