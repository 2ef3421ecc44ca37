package bus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// StartEmbeddedServer runs an in-process NATS server so the platform
// can run with zero external infrastructure. Not for production.
func StartEmbeddedServer(host string, port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 5s")
	}

	log.Info().
		Str("url", ns.ClientURL()).
		Msg("Embedded NATS server started")

	return ns, nil
}
