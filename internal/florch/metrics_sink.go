package florch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// MetricsSink receives scalar series keyed by (step, metric name). Recording never fails the run.
type MetricsSink interface {
	Record(step int, name string, value float64)
	Close() error
}

// CsvSink appends one "step,metric,value" line per record and flushes at every round boundary.
type CsvSink struct {
	file   *os.File
	writer *csv.Writer
	logger hclog.Logger
}

func NewCsvSink(fileName string, logger hclog.Logger) (*CsvSink, error) {
	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	sink := &CsvSink{file: file, writer: csv.NewWriter(file), logger: logger}
	if info, err := file.Stat(); err == nil && info.Size() == 0 {
		sink.write([]string{"step", "metric", "value"})
	}
	return sink, nil
}

func (sink *CsvSink) Record(step int, name string, value float64) {
	sink.write([]string{strconv.Itoa(step), name, strconv.FormatFloat(value, 'g', 8, 64)})
}

// Flush pushes buffered records to the file.
func (sink *CsvSink) Flush() {
	sink.writer.Flush()
	if err := sink.writer.Error(); err != nil {
		sink.logger.Warn(fmt.Sprintf("Failed to flush results: %v", err))
	}
}

func (sink *CsvSink) Close() error {
	sink.Flush()
	return sink.file.Close()
}

func (sink *CsvSink) write(record []string) {
	if err := sink.writer.Write(record); err != nil {
		sink.logger.Warn(fmt.Sprintf("Failed to write record: %v", err))
	}
}

type MetricPoint struct {
	Step  int
	Name  string
	Value float64
}

// MemorySink keeps every record in memory.
type MemorySink struct {
	mu     sync.Mutex
	points []MetricPoint
	closed bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (sink *MemorySink) Record(step int, name string, value float64) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.points = append(sink.points, MetricPoint{Step: step, Name: name, Value: value})
}

func (sink *MemorySink) Close() error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.closed = true
	return nil
}

// Series returns the values recorded under name, ordered by step of recording.
func (sink *MemorySink) Series(name string) []MetricPoint {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	series := []MetricPoint{}
	for _, point := range sink.points {
		if point.Name == name {
			series = append(series, point)
		}
	}
	return series
}

func (sink *MemorySink) Closed() bool {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.closed
}
