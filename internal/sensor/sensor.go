package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/orientlog/internal/models"
)

// Source yields orientation readings from a device.
type Source interface {
	Next() (models.Reading, error)
	Close() error
}

var errUnparsable = errors.New("unparsable line")

// ParseLine reads pitch, roll and yaw from one line of MPU6050 sketch output.
// Two layouts are accepted: "p,r,y" and "Pitch: p Roll: r Yaw: y".
func ParseLine(line string) (pitch, roll, yaw float64, err error) {
	line = strings.TrimSpace(line)
	var fields []string
	if strings.Contains(line, ",") && !strings.Contains(line, ":") {
		fields = strings.Split(line, ",")
	} else {
		fields = labelled(line)
	}
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q", errUnparsable, line)
	}

	var vals [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, 0, fmt.Errorf("%w: %q", errUnparsable, line)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}

func labelled(line string) []string {
	want := []string{"pitch", "roll", "yaw"}
	tokens := strings.Fields(strings.NewReplacer(",", " ", ":", " ").Replace(strings.ToLower(line)))
	if len(tokens) != 6 {
		return nil
	}
	out := make([]string, 0, 3)
	for i, name := range want {
		if tokens[2*i] != name {
			return nil
		}
		out = append(out, tokens[2*i+1])
	}
	return out
}

// SerialSource reads lines from a serial port.
type SerialSource struct {
	port    io.ReadCloser
	scanner *bufio.Scanner
	logger  *zap.Logger
	now     func() time.Time
}

func OpenSerial(name string, baud int, logger *zap.Logger) (*SerialSource, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return newSerialSource(p, logger), nil
}

func newSerialSource(r io.ReadCloser, logger *zap.Logger) *SerialSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialSource{
		port:    r,
		scanner: bufio.NewScanner(r),
		logger:  logger.Named("serial"),
		now:     time.Now,
	}
}

// Next skips lines it cannot parse and returns io.EOF when the port closes.
func (s *SerialSource) Next() (models.Reading, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		p, r, y, err := ParseLine(line)
		if err != nil {
			s.logger.Debug("skipping line", zap.String("line", line))
			continue
		}
		return models.NewReading(s.now(), p, r, y), nil
	}
	if err := s.scanner.Err(); err != nil {
		return models.Reading{}, fmt.Errorf("serial read: %w", err)
	}
	return models.Reading{}, io.EOF
}

func (s *SerialSource) Close() error { return s.port.Close() }

// SimSource produces a slow synthetic tumble, one reading per interval.
type SimSource struct {
	interval time.Duration
	start    time.Time
	now      func() time.Time
	sleep    func(time.Duration)
}

func NewSimSource(interval time.Duration) *SimSource {
	return &SimSource{interval: interval, start: time.Now(), now: time.Now, sleep: time.Sleep}
}

func (s *SimSource) Next() (models.Reading, error) {
	s.sleep(s.interval)
	t := s.now()
	sec := t.Sub(s.start).Seconds()

	pitch := round2(30 * math.Sin(sec/3))
	roll := round2(15 * math.Sin(sec/2+1))
	yaw := round2(math.Mod(sec*12, 360))
	return models.NewReading(t, pitch, roll, yaw), nil
}

func (s *SimSource) Close() error { return nil }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
