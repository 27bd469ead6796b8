// Package rtu is the link to the motor controller: a Modbus client reading
// and writing one holding register at a time.
//
// The controller normally sits on a serial line (Modbus RTU, 8N1). A port may
// also be given as a URL the client understands, such as
// rtuovertcp://gateway:502 for a serial server or tcp://127.0.0.1:5502 for the
// bench simulator.
package rtu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/simonvetter/modbus"
	"go.bug.st/serial"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("controller link closed")

const (
	defaultBaudRate = 115200
	defaultTimeout  = time.Second
)

// Config describes the link to the motor controller.
type Config struct {
	Port     string
	BaudRate int
	SlaveID  byte
	Timeout  time.Duration
}

// URL is the client URL for the configured port. Bare device paths are
// serial RTU lines.
func (c Config) URL() string {
	if strings.Contains(c.Port, "://") {
		return c.Port
	}
	return "rtu://" + c.Port
}

// Client serialises register operations against one slave.
type Client struct {
	mu     sync.Mutex
	mc     *modbus.ModbusClient
	url    string
	closed bool
}

// Dial opens the link described by cfg.
func Dial(cfg Config) (*Client, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port is required")
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	url := cfg.URL()
	mc, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      url,
		Speed:    uint(baud),
		DataBits: 8,
		Parity:   modbus.PARITY_NONE,
		StopBits: 1,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "configuring modbus client for %s", url)
	}
	if err := mc.Open(); err != nil {
		return nil, errors.Wrapf(err, "opening %s%s", url, portHint(url))
	}
	mc.SetUnitId(cfg.SlaveID)
	return &Client{mc: mc, url: url}, nil
}

// portHint lists the serial ports the OS reports, for a failed open of a
// serial line.
func portHint(url string) string {
	if !strings.HasPrefix(url, "rtu://") {
		return ""
	}
	ports, err := serial.GetPortsList()
	if err != nil || len(ports) == 0 {
		return " (no serial ports found)"
	}
	return fmt.Sprintf(" (serial ports present: %s)", strings.Join(ports, ", "))
}

// URL returns the address the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// ReadHoldingRegister reads a single holding register.
func (c *Client) ReadHoldingRegister(ctx context.Context, addr uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	return c.mc.ReadRegister(addr, modbus.HOLDING_REGISTER)
}

// WriteRegister writes a single register with write-multiple-registers, the
// function the controller accepts for its remote commands.
func (c *Client) WriteRegister(ctx context.Context, addr, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return err
	}
	return c.mc.WriteRegisters(addr, []uint16{value})
}

func (c *Client) ready(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close closes the link. Further operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.mc.Close()
}
