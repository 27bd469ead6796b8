package clutchtester

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"clutchtester/internal/engine"
	"clutchtester/internal/ledger"
	"clutchtester/internal/registers"
	"clutchtester/internal/rtu"
	"clutchtester/internal/sim"
	"clutchtester/internal/telemetry"
	"clutchtester/internal/transport"
)

// Rig is an engine wired to its controller connection, ledger and publisher.
type Rig struct {
	Engine *engine.Engine
	Ledger *ledger.Ledger
	// Sim is set when the rig runs against the simulator.
	Sim *sim.Device

	client *rtu.Client
	pub    telemetry.Publisher
}

// OpenRig connects to the controller described by cfg.
func OpenRig(cfg *Config, logger logging.Logger, opts engine.Options) (*Rig, error) {
	regs, err := registers.Default(cfg.Measurements)
	if err != nil {
		return nil, err
	}

	r := &Rig{Ledger: ledger.New(cfg.LedgerFile())}
	var conn transport.Conn
	if cfg.Simulate {
		logger.Warn("using simulated motor controller")
		r.Sim = sim.New(regs)
		conn = r.Sim
	} else {
		sc := cfg.serial()
		client, err := rtu.Dial(sc)
		if err != nil {
			return nil, fmt.Errorf("connecting to motor controller: %w", err)
		}
		logger.Infof("connected to motor controller at %s, %d baud, slave %d", client.URL(), sc.BaudRate, sc.SlaveID)
		r.client = client
		conn = client
	}

	r.pub = telemetry.Nop{}
	if cfg.MQTT != nil {
		pub, err := telemetry.DialMQTT(*cfg.MQTT, logger.Sublogger("mqtt"))
		if err != nil {
			return nil, multierr.Combine(err, r.closeConn())
		}
		r.pub = pub
	}
	opts.Publisher = r.pub

	hw := transport.NewAdapter(conn, regs, cfg.retryPolicy(), logger.Sublogger("transport"))
	r.Engine = engine.New(hw, r.Ledger, logger, opts)
	logger.Infof("cycle ledger at %s", r.Ledger.Path())
	return r, nil
}

// Close stops any run, waiting for its safe shutdown, then releases the port.
func (r *Rig) Close(ctx context.Context) error {
	return multierr.Combine(
		r.Engine.Close(ctx),
		r.pub.Close(),
		r.closeConn(),
	)
}

func (r *Rig) closeConn() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
