package clutchtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"clutchtester/internal/engine"
)

var CycleSensor = resource.NewModel("rigworks", "clutch-tester", "cycle-sensor")

func init() {
	resource.RegisterComponent(sensor.API, CycleSensor,
		resource.Registration[sensor.Sensor, *SensorConfig]{
			Constructor: newCycleSensor,
		},
	)
}

// Readings derived from the status rather than copied from it.
const (
	readingCyclesRemaining = "cycles_remaining"
	readingProgressPct     = "progress_pct"
)

type SensorConfig struct {
	Controller string `json:"controller"`
	// Fields limits readings to these keys. Empty means all of them.
	Fields []string `json:"fields,omitempty"`
	// CaptureIdle keeps data capture recording while no test is running.
	CaptureIdle bool `json:"capture_idle,omitempty"`
}

func (cfg *SensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "controller")
	}
	known := readingKeys()
	for _, f := range cfg.Fields {
		if !known[f] {
			return nil, nil, fmt.Errorf("%s: unknown reading %q in fields", path, f)
		}
	}
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

func readingKeys() map[string]bool {
	full := engine.Status{Telemetry: engine.Telemetry{SampledAt: time.Unix(0, 0)}, Err: errors.New("")}
	keys := map[string]bool{readingCyclesRemaining: true, readingProgressPct: true}
	for k := range full.Map() {
		keys[k] = true
	}
	return keys
}

type statusProvider interface {
	Status() engine.Status
}

// cycleSensor exposes the controller's status so data capture can record the
// cycle count and telemetry without touching the serial line.
type cycleSensor struct {
	resource.AlwaysRebuild

	name        resource.Name
	logger      logging.Logger
	controller  statusProvider
	fields      []string
	captureIdle bool
}

func newCycleSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(statusProvider)
	if !ok {
		return nil, fmt.Errorf("%q is not a clutch-tester controller", conf.Controller)
	}

	return &cycleSensor{
		name:        rawConf.ResourceName(),
		logger:      logger,
		controller:  provider,
		fields:      conf.Fields,
		captureIdle: conf.CaptureIdle,
	}, nil
}

func (s *cycleSensor) Name() resource.Name {
	return s.name
}

// Readings returns the test status plus progress toward a bounded target.
// Data capture skips idle periods unless capture_idle is set.
func (s *cycleSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	st := s.controller.Status()
	if extra[data.FromDMString] == true && !s.captureIdle && !st.State.Active() {
		return nil, data.ErrNoCaptureToStore
	}

	readings := st.Map()
	if st.TargetCycles > 0 {
		done := int64(st.CycleCount - st.StartCount)
		readings[readingCyclesRemaining] = max(st.TargetCycles-done, 0)
		readings[readingProgressPct] = 100 * float64(done) / float64(st.TargetCycles)
	}
	if len(s.fields) == 0 {
		return readings, nil
	}
	out := make(map[string]interface{}, len(s.fields))
	for _, f := range s.fields {
		if v, ok := readings[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (s *cycleSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on cycle-sensor, send commands to the controller")
}

func (s *cycleSensor) Close(context.Context) error {
	return nil
}
