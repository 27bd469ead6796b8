// Package ledger persists one human-readable record per completed test cycle.
//
// The file is append-only. Each record is a block of "Key: value" lines that
// starts with "No of cycles: <n>" and ends with a blank line:
//
//	No of cycles: 7
//	Forward RPM: 320.00
//	Reverse RPM: 0.00
//	Negative phase RPM: -14.00
//	Motor temperature C: 61.00
//	Controller temperature C: 44.00
//	Battery voltage V: 46.50
//	Wear suspected: true
//	Recorded at: 2025-03-01T10:04:05Z
//
// The last well-formed record is the source of truth for resuming a test.
package ledger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Field labels as written to the file.
const (
	keyCycle            = "No of cycles"
	keyForwardRPM       = "Forward RPM"
	keyReverseRPM       = "Reverse RPM"
	keyNegativePhaseRPM = "Negative phase RPM"
	keyMotorTemp        = "Motor temperature C"
	keyControllerTemp   = "Controller temperature C"
	keyBatteryVoltage   = "Battery voltage V"
	keyWear             = "Wear suspected"
	keyRecordedAt       = "Recorded at"
)

// Record is one completed cycle. Records are never changed once written.
type Record struct {
	CycleIndex       uint64    `json:"cycle_index"`
	ForwardRPM       float64   `json:"forward_rpm"`
	ReverseRPM       float64   `json:"reverse_rpm"`
	NegativePhaseRPM float64   `json:"negative_phase_rpm"`
	MotorTempC       float64   `json:"motor_temp_c"`
	ControllerTempC  float64   `json:"controller_temp_c"`
	BatteryVoltageV  float64   `json:"battery_voltage_v"`
	WearSuspected    bool      `json:"wear_suspected"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Ledger is a cycle ledger file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// New returns a ledger backed by path. The file is created on first append.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// LastCycleIndex returns the cycle index of the last well-formed record, or 1
// when the ledger is missing, empty, or holds nothing parsable.
func (l *Ledger) LastCycleIndex() uint64 {
	idx, found, err := l.Last()
	if err != nil || !found {
		return 1
	}
	return idx
}

// Last returns the cycle index of the last well-formed record and whether one
// exists. A missing file is an empty history, not an error.
func (l *Ledger) Last() (uint64, bool, error) {
	data, err := l.read()
	if err != nil {
		return 0, false, err
	}
	blocks := splitBlocks(data)
	for i := len(blocks) - 1; i >= 0; i-- {
		if idx, ok := parseIndex(blocks[i]); ok {
			return idx, true, nil
		}
	}
	return 0, false, nil
}

// Records returns every well-formed record in file order.
func (l *Ledger) Records() ([]Record, error) {
	data, err := l.read()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, b := range splitBlocks(data) {
		if r, ok := parseRecord(b); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Append durably writes r at the end of the ledger.
func (l *Ledger) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening ledger")
	}
	if _, err := f.Write(Format(r)); err != nil {
		f.Close()
		return errors.Wrap(err, "writing ledger record")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "syncing ledger")
	}
	return errors.Wrap(f.Close(), "closing ledger")
}

// Format renders r as a ledger block, including the terminating blank line.
func Format(r Record) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s: %d\n", keyCycle, r.CycleIndex)
	fmt.Fprintf(&b, "%s: %.2f\n", keyForwardRPM, r.ForwardRPM)
	fmt.Fprintf(&b, "%s: %.2f\n", keyReverseRPM, r.ReverseRPM)
	fmt.Fprintf(&b, "%s: %.2f\n", keyNegativePhaseRPM, r.NegativePhaseRPM)
	fmt.Fprintf(&b, "%s: %.2f\n", keyMotorTemp, r.MotorTempC)
	fmt.Fprintf(&b, "%s: %.2f\n", keyControllerTemp, r.ControllerTempC)
	fmt.Fprintf(&b, "%s: %.2f\n", keyBatteryVoltage, r.BatteryVoltageV)
	fmt.Fprintf(&b, "%s: %t\n", keyWear, r.WearSuspected)
	if !r.RecordedAt.IsZero() {
		fmt.Fprintf(&b, "%s: %s\n", keyRecordedAt, r.RecordedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")
	return b.Bytes()
}

func (l *Ledger) read() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, errors.Wrap(err, "reading ledger")
}

// maxLineLen bounds a record line. Anything longer is debris from an
// interrupted write.
const maxLineLen = 4096

// splitBlocks splits data on blank lines into slices of non-blank lines.
// Debris lines (over-long, or holding NUL bytes) are dropped and end the block
// they interrupt, so the records after them still parse.
func splitBlocks(data []byte) [][]string {
	var blocks [][]string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, cur)
			cur = nil
		}
	}
	for raw := range bytes.Lines(data) {
		if len(raw) > maxLineLen || bytes.IndexByte(raw, 0) >= 0 {
			flush()
			continue
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}

func splitField(line string) (string, string, bool) {
	k, v, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

func parseIndex(block []string) (uint64, bool) {
	k, v, ok := splitField(block[0])
	if !ok || k != keyCycle {
		return 0, false
	}
	idx, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func parseRecord(block []string) (Record, bool) {
	idx, ok := parseIndex(block)
	if !ok {
		return Record{}, false
	}
	r := Record{CycleIndex: idx}
	for _, line := range block[1:] {
		k, v, ok := splitField(line)
		if !ok {
			continue
		}
		var err error
		switch k {
		case keyForwardRPM:
			r.ForwardRPM, err = strconv.ParseFloat(v, 64)
		case keyReverseRPM:
			r.ReverseRPM, err = strconv.ParseFloat(v, 64)
		case keyNegativePhaseRPM:
			r.NegativePhaseRPM, err = strconv.ParseFloat(v, 64)
		case keyMotorTemp:
			r.MotorTempC, err = strconv.ParseFloat(v, 64)
		case keyControllerTemp:
			r.ControllerTempC, err = strconv.ParseFloat(v, 64)
		case keyBatteryVoltage:
			r.BatteryVoltageV, err = strconv.ParseFloat(v, 64)
		case keyWear:
			r.WearSuspected, err = strconv.ParseBool(v)
		case keyRecordedAt:
			r.RecordedAt, err = time.Parse(time.RFC3339, v)
		}
		if err != nil {
			return Record{}, false
		}
	}
	return r, true
}

// WriteTo writes every record in l to w, for printing.
func (l *Ledger) WriteTo(w io.Writer) (int64, error) {
	recs, err := l.Records()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range recs {
		m, err := w.Write(Format(r))
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
