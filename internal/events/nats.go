package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubject = "conductor.task-events"

type envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
}

// NATS relays notifications between server replicas so a long-poll served by
// one replica wakes up when another replica changes the task.
type NATS struct {
	local   *Local
	nc      *nats.Conn
	subject string
	origin  string
	sub     *nats.Subscription
}

func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("conductor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func NewNATS(nc *nats.Conn, subject string, local *Local) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	n := &NATS{local: local, nc: nc, subject: subject, origin: uuid.NewString()}
	sub, err := nc.Subscribe(subject, n.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATS) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed task event")
		return
	}
	if env.Origin == n.origin || env.Topic == "" {
		return
	}
	n.local.Publish(env.Topic)
}

func (n *NATS) Publish(topic string) {
	n.local.Publish(topic)
	data, err := json.Marshal(envelope{Origin: n.origin, Topic: topic})
	if err != nil {
		return
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to relay task event")
	}
}

func (n *NATS) Subscribe(topic string) (<-chan struct{}, func()) {
	return n.local.Subscribe(topic)
}

func (n *NATS) Close() error {
	if n.sub == nil {
		return nil
	}
	return n.sub.Unsubscribe()
}
