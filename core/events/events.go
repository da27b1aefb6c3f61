package events

import (
	"time"

	"github.com/couchbase/stellar-sdam/core/description"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Event is implemented by every monitoring event.  The method only exists
// to restrict which types can be published.
type Event interface {
	isEvent()
}

type ServerOpening struct {
	ServerID description.ServerID
}

type ServerOpened struct {
	ServerID description.ServerID
	Duration time.Duration
}

type ServerClosing struct {
	ServerID description.ServerID
}

type ServerClosed struct {
	ServerID description.ServerID
	Duration time.Duration
}

type ServerHeartbeatStarted struct {
	ConnectionID description.ConnectionID
	Awaited      bool
}

type ServerHeartbeatSucceeded struct {
	ConnectionID description.ConnectionID
	Duration     time.Duration
	Awaited      bool
	Reply        bson.Raw
}

type ServerHeartbeatFailed struct {
	ConnectionID description.ConnectionID
	Duration     time.Duration
	Awaited      bool
	Err          error
}

type ServerDescriptionChanged struct {
	ServerID            description.ServerID
	PreviousDescription *description.ServerDescription
	NewDescription      *description.ServerDescription
}

type ConnectionPoolCleared struct {
	ServerID  description.ServerID
	ServiceID *bson.ObjectID
	Reason    string
}

func (ServerOpening) isEvent()            {}
func (ServerOpened) isEvent()             {}
func (ServerClosing) isEvent()            {}
func (ServerClosed) isEvent()             {}
func (ServerHeartbeatStarted) isEvent()   {}
func (ServerHeartbeatSucceeded) isEvent() {}
func (ServerHeartbeatFailed) isEvent()    {}
func (ServerDescriptionChanged) isEvent() {}
func (ConnectionPoolCleared) isEvent()    {}
