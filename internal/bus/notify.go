package bus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/avlonitis/ergon/internal/config"
)

// wakeTopic carries publish notifications between bus instances. Delivery
// itself always goes through the store; NATS only shortcuts the poll wait.
const wakeTopic = "ergon.bus.wake"

// Notifier runs an embedded NATS server and a client connection used to wake
// the delivery loop as soon as a message is published, instead of waiting for
// the next poll tick.
type Notifier struct {
	server *natsserver.Server
	conn   *nats.Conn
	sub    *nats.Subscription
}

func NewNotifier(cfg config.NATSConfig) (*Notifier, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:     cfg.Port,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Notifier{server: ns, conn: conn}, nil
}

func (n *Notifier) ClientURL() string {
	return n.server.ClientURL()
}

// Wake signals every listening delivery loop that new messages are stored.
func (n *Notifier) Wake() {
	_ = n.conn.Publish(wakeTopic, nil)
}

// Listen invokes fn for every wake signal until the notifier closes.
func (n *Notifier) Listen(fn func()) error {
	sub, err := n.conn.Subscribe(wakeTopic, func(*nats.Msg) { fn() })
	if err != nil {
		return fmt.Errorf("subscribe wake topic: %w", err)
	}
	n.sub = sub
	return nil
}

func (n *Notifier) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	n.conn.Close()
	n.server.Shutdown()
	n.server.WaitForShutdown()
}
