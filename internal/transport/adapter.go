// Package transport performs named register reads and writes against the motor
// controller, retrying transient failures with a fixed backoff.
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.viam.com/rdk/logging"

	"clutchtester/internal/registers"
)

// Conn is a single-register wire connection, satisfied by the RTU client and
// the simulator.
type Conn interface {
	ReadHoldingRegister(ctx context.Context, addr uint16) (uint16, error)
	WriteRegister(ctx context.Context, addr, value uint16) error
}

// RetryPolicy bounds retries of a single register operation.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy tries each operation three times, 50ms apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

// Retry runs op until it succeeds, fails with an error isTransient rejects, or
// the policy's attempts are spent. It returns the number of attempts made.
func Retry(ctx context.Context, p RetryPolicy, isTransient func(error) bool, op func() error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Backoff)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	tries := 0
	err := backoff.Retry(func() error {
		tries++
		err := op()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil && isTransient(err) {
		return tries, &exhaustedError{last: err}
	}
	return tries, err
}

type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string { return "retries exhausted: " + e.last.Error() }

func (e *exhaustedError) Unwrap() error { return e.last }

func (e *exhaustedError) Is(target error) bool { return target == ErrExhausted }

// Adapter owns the connection for the duration of a run. It is not safe for
// concurrent use; the wire carries one transaction at a time.
type Adapter struct {
	conn   Conn
	regs   *registers.Map
	policy RetryPolicy
	logger logging.Logger
}

// NewAdapter returns an adapter over conn.
func NewAdapter(conn Conn, regs *registers.Map, policy RetryPolicy, logger logging.Logger) *Adapter {
	return &Adapter{conn: conn, regs: regs, policy: policy, logger: logger}
}

// Registers returns the register map in use.
func (a *Adapter) Registers() *registers.Map {
	return a.regs
}

// Write encodes value for the named command and writes it.
func (a *Adapter) Write(ctx context.Context, name string, value float64) error {
	c, err := a.regs.Command(name)
	if err != nil {
		return err
	}
	raw, err := c.Encode(value)
	if err != nil {
		return err
	}
	tries, err := Retry(ctx, a.policy, IsTransient, func() error {
		return a.conn.WriteRegister(ctx, c.Address, raw)
	})
	if err != nil {
		return &Error{Op: "write", Name: name, Address: c.Address, Attempts: tries, Err: err}
	}
	a.logger.Infof("Successfully wrote %d to address %d (%s=%v)", raw, c.Address, name, value)
	return nil
}

// Read reads the named measurement in engineering units.
func (a *Adapter) Read(ctx context.Context, name string) (float64, error) {
	ms, err := a.regs.Measurement(name)
	if err != nil {
		return 0, err
	}
	var raw uint16
	tries, err := Retry(ctx, a.policy, IsTransient, func() error {
		v, err := a.conn.ReadHoldingRegister(ctx, ms.Address)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return 0, &Error{Op: "read", Name: name, Address: ms.Address, Attempts: tries, Err: err}
	}
	a.logger.Debugf("read %s from address %d: raw %d", name, ms.Address, raw)
	return ms.Decode(raw), nil
}
