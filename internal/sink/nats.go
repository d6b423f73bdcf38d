package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/vendpi/internal/framer"
)

// Publisher is the part of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes each packet payload to a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("nats sink: nil publisher")
	}
	if subject == "" {
		return nil, errors.New("nats sink: empty subject")
	}
	return &NATSSink{pub: pub, subject: subject}, nil
}

// ConnectNATS dials url, reconnecting forever in the background.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, p framer.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewPayload(p))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set("Packet-ID", p.ID.String())
	msg.Header.Set("Packet-Reason", p.Reason.String())
	msg.Header.Set("Packet-Lines", strconv.Itoa(len(p.Lines)))
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}
