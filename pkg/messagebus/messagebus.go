// Package messagebus adapts the orchestrator's node registration message
// bus (§6) into Registry.AddNode/DisconnectNode calls (§4.2 data flow: "the
// Message Bus adapter feeds node registration events into the Registry").
// The bus itself is an opaque, best-effort pub/sub collaborator (§1
// non-goals); nats.go is the concrete transport.
package messagebus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/registry"
)

// registryTopic is the only subject this adapter subscribes to (§6).
const registryTopic = "v0/registry"

const (
	msgRegister   = "v0/register"
	msgDeregister = "v0/deregister"
)

type registerData struct {
	ID           string `json:"id"`
	GRPCEndpoint string `json:"grpcEndpoint,omitempty"`
}

type registryMessage struct {
	ID   string       `json:"id"`
	Data registerData `json:"data"`
}

// Adapter subscribes to registryTopic and translates register/deregister
// messages into Registry calls. Malformed payloads are logged and
// discarded, never nack'd or retried, per the bus's best-effort contract.
type Adapter struct {
	conn *nats.Conn
	sub  *nats.Subscription
	reg  *registry.Registry
	log  *logrus.Entry
}

// Connect dials url and subscribes to the registry topic.
func Connect(url string, reg *registry.Registry) (*Adapter, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		conn: conn,
		reg:  reg,
		log:  log.ForComponent("messagebus"),
	}
	sub, err := conn.Subscribe(registryTopic, a.handle)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.sub = sub
	return a, nil
}

func (a *Adapter) handle(msg *nats.Msg) {
	var m registryMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		a.log.WithError(err).Warn("discarding malformed registry message")
		return
	}
	if m.Data.ID == "" {
		a.log.WithField("id", m.ID).Warn("discarding registry message with no node id")
		return
	}
	switch m.ID {
	case msgRegister:
		a.reg.AddNode(m.Data.ID, m.Data.GRPCEndpoint)
	case msgDeregister:
		a.reg.DisconnectNode(m.Data.ID)
	default:
		a.log.WithField("id", m.ID).Warn("discarding unrecognized registry message")
	}
}

// Close unsubscribes and tears down the connection.
func (a *Adapter) Close() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
	a.conn.Close()
}
