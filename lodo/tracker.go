package lodo

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SummaryFile is the name of the run summary written by Tracker.Close under
// the run directory.
const SummaryFile = "summary.json"

// Tracker records the experiment artifacts of one run under the run
// directory: scalar training events appended to plots.TrainingPlotFileName
// (one JSON plots.Point per line, written by a background goroutine), and the
// final summary key/values written to SummaryFile on Close.
type Tracker struct {
	dir       string
	points    chan<- plots.Point
	errReport <-chan error

	summary     map[string]float64
	summaryKeys []string
}

// NewTracker creates the run directory (if needed) and starts the point
// writer.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %q", dir)
	}
	points, errReport := plots.CreatePointsWriter(path.Join(dir, plots.TrainingPlotFileName))
	return &Tracker{
		dir:       dir,
		points:    points,
		errReport: errReport,
		summary:   make(map[string]float64),
	}, nil
}

// Dir returns the run directory.
func (t *Tracker) Dir() string { return t.dir }

// LogPoint appends one scalar training event.
func (t *Tracker) LogPoint(point plots.Point) {
	t.points <- point
}

// SetSummary sets one summary key. Keys keep their first-set order in the
// rendered table; re-setting a key overwrites its value.
func (t *Tracker) SetSummary(key string, value float64) {
	if _, found := t.summary[key]; !found {
		t.summaryKeys = append(t.summaryKeys, key)
	}
	t.summary[key] = value
}

// Close flushes the point writer and writes the summary file. The tracker
// must not be used afterward.
func (t *Tracker) Close() error {
	close(t.points)
	if err := <-t.errReport; err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(t.summary, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode run summary")
	}
	summaryPath := path.Join(t.dir, SummaryFile)
	if err := os.WriteFile(summaryPath, encoded, 0664); err != nil {
		return errors.Wrapf(err, "failed to write run summary to %q", summaryPath)
	}
	klog.V(1).Infof("run summary written to %q", summaryPath)
	return nil
}

var (
	summaryCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	summaryHeaderStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
)

// SummaryTable renders the summary key/values as a table, in first-set order.
func (t *Tracker) SummaryTable() string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return summaryHeaderStyle
			}
			return summaryCellStyle
		})
	table.Headers("Metric", "Value")
	for _, key := range t.summaryKeys {
		table.Row(key, fmt.Sprintf("%f", t.summary[key]))
	}
	return table.String()
}
