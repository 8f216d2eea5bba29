package sensor

import (
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		p, r, y float64
		wantErr bool
	}{
		{line: "1.5,-2.3,10.0", p: 1.5, r: -2.3, y: 10},
		{line: " 0, 0 , 359.99\r", p: 0, r: 0, y: 359.99},
		{line: "Pitch: 1.5 Roll: -2.3 Yaw: 10", p: 1.5, r: -2.3, y: 10},
		{line: "pitch:4, roll:5, yaw:6", p: 4, r: 5, y: 6},
		{line: "", wantErr: true},
		{line: "MPU6050 ready", wantErr: true},
		{line: "1,2", wantErr: true},
		{line: "1,2,x", wantErr: true},
		{line: "1,2,NaN", wantErr: true},
		{line: "Roll: 1 Pitch: 2 Yaw: 3", wantErr: true},
	}
	for _, tt := range tests {
		p, r, y, err := ParseLine(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, []float64{tt.p, tt.r, tt.y}, []float64{p, r, y}, tt.line)
	}
}

func TestSerialSource_SkipsNoiseAndStopsAtEOF(t *testing.T) {
	input := "Initializing I2C devices...\n1.5,-2.3,10\ngarbage\nPitch: 2 Roll: 3 Yaw: 4\n"
	src := newSerialSource(io.NopCloser(strings.NewReader(input)), nil)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	r, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01T00:00:00Z", "1.5", "-2.3", "10"}, r.Row())

	r, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", r.Pitch)

	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestSimSource(t *testing.T) {
	src := NewSimSource(time.Second)
	var slept time.Duration
	src.sleep = func(d time.Duration) { slept += d }
	at := src.start
	src.now = func() time.Time { at = at.Add(time.Second); return at }

	for i := 0; i < 5; i++ {
		r, err := src.Next()
		require.NoError(t, err)
		p, err := strconv.ParseFloat(r.Pitch, 64)
		require.NoError(t, err)
		assert.LessOrEqual(t, p, 30.0)
		assert.GreaterOrEqual(t, p, -30.0)
	}
	assert.Equal(t, 5*time.Second, slept)
}
