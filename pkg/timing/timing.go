// Package timing measures the wall-clock duration of named pipeline
// stages, backing the CLI's -t/--time flag.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Measurement is one named stage duration.
type Measurement struct {
	Name    string
	Elapsed time.Duration
}

// Timings accumulates stage measurements. The zero value performs no
// measurements; use Enabled to turn it on.
type Timings struct {
	Enabled      bool
	Measurements []Measurement
}

// Measure runs f, recording its duration under name when enabled. The
// error from f is returned unchanged.
func (t *Timings) Measure(name string, f func() error) error {
	if !t.Enabled {
		return f()
	}

	start := time.Now()
	err := f()

	t.Measurements = append(t.Measurements, Measurement{
		Name:    name,
		Elapsed: time.Since(start),
	})

	return err
}

// Report writes the collected measurements to w, one per line.
func (t *Timings) Report(w io.Writer) {
	for _, m := range t.Measurements {
		fmt.Fprintf(w, "%s: %v\n", m.Name, m.Elapsed)
	}
}
