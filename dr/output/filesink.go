package output

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// FileSink writes one text file per receiver and an elementwise table
type FileSink struct {
	Prefix   string
	Rank     int
	Parallel bool

	labels      []string
	receivers   []Receiver
	pending     []bytes.Buffer
	elementwise bytes.Buffer
	ewHeader    bool
}

var _ SampleSink = (*FileSink)(nil)

// NewFileSink writes files named after prefix
func NewFileSink(prefix string, rank int, parallel bool) *FileSink {
	return &FileSink{Prefix: prefix, Rank: rank, Parallel: parallel}
}

// ReceiverFileName is <prefix>-new-faultreceiver-<id>[-<rank>].dat
func (sink *FileSink) ReceiverFileName(id int) string {
	name := fmt.Sprintf("%s-new-faultreceiver-%05d", sink.Prefix, id)
	if sink.Parallel {
		name += fmt.Sprintf("-%05d", sink.Rank)
	}
	return name + ".dat"
}

// ElementwiseFileName is <prefix>-new-fault[-<rank>].dat
func (sink *FileSink) ElementwiseFileName() string {
	name := sink.Prefix + "-new-fault"
	if sink.Parallel {
		name += fmt.Sprintf("-%05d", sink.Rank)
	}
	return name + ".dat"
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'e', 16, 64)
}

func variablesHeader(labels []string) string {
	var b bytes.Buffer
	b.WriteString(`VARIABLES = "Time"`)
	for _, l := range labels {
		fmt.Fprintf(&b, " ,%q", l)
	}
	return b.String()
}

// Init writes the header of receiver files that do not exist yet
func (sink *FileSink) Init(labels []string, receivers []Receiver) error {
	sink.labels = labels
	sink.receivers = receivers
	sink.pending = make([]bytes.Buffer, len(receivers))
	if dir := filepath.Dir(sink.Prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	header := variablesHeader(labels)
	for _, rc := range receivers {
		name := sink.ReceiverFileName(rc.ID)
		if _, err := os.Stat(name); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		var b bytes.Buffer
		fmt.Fprintf(&b, "TITLE = \"Temporal Signal for fault receiver number %d\"\n", rc.ID)
		b.WriteString(header + "\n")
		for d, x := range rc.Coords {
			fmt.Fprintf(&b, "# x%d\t%s\n", d+1, formatValue(x))
		}
		if err := os.WriteFile(name, b.Bytes(), 0o644); err != nil {
			return fmt.Errorf("cannot open %s: %w", name, err)
		}
	}
	return nil
}

// RecordFaultSample buffers one row of a receiver file
func (sink *FileSink) RecordFaultSample(receiver int, time float64, values []float64) {
	b := &sink.pending[receiver]
	b.WriteString(formatValue(time))
	b.WriteByte('\t')
	for _, v := range values {
		b.WriteString(formatValue(v))
		b.WriteByte('\t')
	}
	b.WriteByte('\n')
}

// RecordElementwiseSample buffers one row per fault point
func (sink *FileSink) RecordElementwiseSample(time float64, points []PointSample) {
	if !sink.ewHeader {
		sink.elementwise.WriteString(variablesHeader(append([]string{"Face", "Point"}, sink.labels...)) + "\n")
		sink.ewHeader = true
	}
	for _, p := range points {
		fmt.Fprintf(&sink.elementwise, "%s\t%d\t%d\t", formatValue(time), p.FaceID, p.Point)
		for _, v := range p.Values {
			sink.elementwise.WriteString(formatValue(v))
			sink.elementwise.WriteByte('\t')
		}
		sink.elementwise.WriteByte('\n')
	}
}

// Flush appends the buffered rows to their files
func (sink *FileSink) Flush() error {
	for i, rc := range sink.receivers {
		if sink.pending[i].Len() == 0 {
			continue
		}
		if err := appendFile(sink.ReceiverFileName(rc.ID), sink.pending[i].Bytes()); err != nil {
			return err
		}
		sink.pending[i].Reset()
	}
	if sink.elementwise.Len() > 0 {
		if err := appendFile(sink.ElementwiseFileName(), sink.elementwise.Bytes()); err != nil {
			return err
		}
		sink.elementwise.Reset()
	}
	return nil
}

func appendFile(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
