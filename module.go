package clutchtester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"

	"clutchtester/internal/engine"
)

var Controller = resource.NewModel("rigworks", "clutch-tester", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newClutchTesterController,
		},
	)
}

type clutchTesterController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	rig *Rig
}

func newClutchTesterController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	s, err := newController(name, conf, logger, engine.Options{})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newController(name resource.Name, conf *Config, logger logging.Logger, opts engine.Options) (*clutchTesterController, error) {
	rig, err := OpenRig(conf, logger, opts)
	if err != nil {
		return nil, fmt.Errorf("opening rig: %w", err)
	}

	return &clutchTesterController{
		name:   name,
		logger: logger,
		cfg:    conf,
		rig:    rig,
	}, nil
}

func (s *clutchTesterController) Name() resource.Name {
	return s.name
}

func (s *clutchTesterController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return s.handleStart(cmd)
	case "stop":
		return s.handleStop()
	case "status":
		return s.GetState(), nil
	case "last_cycle":
		return s.handleLastCycle()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// GetState is the status map returned by the status command.
func (s *clutchTesterController) GetState() map[string]interface{} {
	return s.rig.Engine.Status().Map()
}

// Status is the engine snapshot read by the cycle sensor.
func (s *clutchTesterController) Status() engine.Status {
	return s.rig.Engine.Status()
}

func (s *clutchTesterController) handleStart(cmd map[string]interface{}) (map[string]interface{}, error) {
	params, target := s.cfg.defaultRun()

	if raw, ok := cmd["parameters"]; ok {
		overrides, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("'parameters' must be an object")
		}
		// overlay the given fields onto the defaults
		data, err := json.Marshal(overrides)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters: %w", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if raw, ok := cmd["target_cycles"]; ok {
		t, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid target_cycles: %w", err)
		}
		target = t
	}

	if err := s.rig.Engine.Start(params, target); err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			s.logger.Warn("start ignored, test already running")
		}
		return nil, fmt.Errorf("starting test: %w", err)
	}
	return map[string]interface{}{
		"status":        "started",
		"target_cycles": target,
	}, nil
}

func (s *clutchTesterController) handleStop() (map[string]interface{}, error) {
	if !s.rig.Engine.Stop() {
		return map[string]interface{}{"status": "not_running"}, nil
	}
	return map[string]interface{}{"status": "stopping"}, nil
}

func (s *clutchTesterController) handleLastCycle() (map[string]interface{}, error) {
	idx, found, err := s.rig.Ledger.Last()
	if err != nil {
		return nil, fmt.Errorf("reading cycle ledger: %w", err)
	}
	return map[string]interface{}{
		"last_cycle": idx,
		"found":      found,
		"ledger":     s.rig.Ledger.Path(),
	}, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func (s *clutchTesterController) Close(ctx context.Context) error {
	return s.rig.Close(ctx)
}
