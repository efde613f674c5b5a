package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSRelay implements Relay over core NATS subjects labs.<lab>.
type NATSRelay struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewNATSRelay(url string, log zerolog.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("relay: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("relay: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("realtime: nats connect: %w", err)
	}
	return &NATSRelay{nc: nc, log: log}, nil
}

func (r *NATSRelay) Publish(_ context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.nc.Publish(labSubject(d.LabID), data)
}

func (r *NATSRelay) Subscribe(ctx context.Context, fn func(Delivery)) error {
	sub, err := r.nc.Subscribe("labs.*", func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			r.log.Warn().Err(err).Str("subject", msg.Subject).Msg("relay: bad delivery")
			return
		}
		fn(d)
	})
	if err != nil {
		return fmt.Errorf("realtime: nats subscribe: %w", err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (r *NATSRelay) Close() error {
	r.nc.Close()
	return nil
}

// labSubject keeps the lab id a single subject token.
func labSubject(lab string) string {
	if lab == "" {
		lab = "_"
	}
	return "labs." + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(lab)
}
