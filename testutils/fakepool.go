package testutils

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-sdam/core/connection"
	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// FakePool is a connection.Pool which records how it is used.  Acquire hands
// out FakeConnections answering with Reply unless AcquireFn is set.
type FakePool struct {
	ServerID  description.ServerID
	Reply     bson.Raw
	AcquireFn func(ctx context.Context) (connection.Connection, error)

	// InitializeFn, when set, runs before Initialize records the call and
	// decides its result.
	InitializeFn func() error

	lock            sync.Mutex
	initializeCount int
	clearCount      int
	closeCount      int
	clearedServices []bson.ObjectID
	acquired        int
	released        int
}

var _ connection.Pool = (*FakePool)(nil)

func (p *FakePool) Initialize() error {
	if p.InitializeFn != nil {
		if err := p.InitializeFn(); err != nil {
			return err
		}
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.initializeCount++
	return nil
}

func (p *FakePool) Acquire(ctx context.Context) (connection.Connection, error) {
	if p.AcquireFn != nil {
		return p.AcquireFn(ctx)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.lock.Lock()
	p.acquired++
	p.lock.Unlock()

	conn := &FakeConnection{
		ConnID:         description.NextConnectionID(p.ServerID),
		HandshakeReply: p.Reply,
	}
	conn.OnClose = func() {
		p.lock.Lock()
		p.released++
		p.lock.Unlock()
	}
	return conn, nil
}

func (p *FakePool) Clear() {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.clearCount++
}

func (p *FakePool) ClearService(serviceID bson.ObjectID) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.clearedServices = append(p.clearedServices, serviceID)
}

func (p *FakePool) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.closeCount++
	return nil
}

func (p *FakePool) InitializeCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.initializeCount
}

func (p *FakePool) ClearCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.clearCount
}

func (p *FakePool) CloseCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closeCount
}

func (p *FakePool) ClearedServices() []bson.ObjectID {
	p.lock.Lock()
	defer p.lock.Unlock()

	cleared := make([]bson.ObjectID, len(p.clearedServices))
	copy(cleared, p.clearedServices)
	return cleared
}

func (p *FakePool) ReleasedCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.released
}
