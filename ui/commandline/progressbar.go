// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cifarcnn/pkg/trainer"
	"github.com/gomlx/gomlx/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// numStatsRows is the number of rows in the stats table.
const numStatsRows = 7

// passKey identifies one pass over a dataset: each pass gets its own progress bar.
type passKey struct {
	runID string
	state trainer.State
	epoch int
}

type progressBarUpdate struct {
	progress trainer.Progress
	at       time.Time
}

// ProgressBar displays the progress of training runs: one bar per pass over a dataset (training,
// validation or test inference of an epoch), and a table with the latest batch stats.
//
// Use Update as the trainer.WithProgress callback, and call Close when the runs are over.
type ProgressBar struct {
	inNotebook bool
	suffix     string

	// Owned by the display goroutine.
	bar        *progressbar.ProgressBar
	current    passKey
	passStart  time.Time
	hasCurrent bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	closeOnce        sync.Once
}

// NewProgressBar creates a ProgressBar writing to the standard output.
func NewProgressBar() *ProgressBar {
	pBar := &ProgressBar{
		inNotebook: notebooks.IsNotebook(),
		updates:    make(chan progressBarUpdate, 100), // Large buffer so training is not blocked.
	}
	if !pBar.inNotebook {
		pBar.termenv = termenv.NewOutput(os.Stdout)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	pBar.asyncUpdatesDone.Add(1)
	go pBar.displayLoop()
	return pBar
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = os.Stdout.Write(data)
	if err != nil {
		return n, err
	}
	_, err = os.Stdout.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// Update enqueues a progress report to be displayed. It can be used as the trainer.WithProgress callback.
func (pBar *ProgressBar) Update(p trainer.Progress) {
	pBar.updates <- progressBarUpdate{progress: p, at: time.Now()}
}

// Close waits for the pending updates to be displayed. It is safe to call more than once.
func (pBar *ProgressBar) Close() {
	pBar.closeOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
		fmt.Println()
	})
}

func keyOf(p trainer.Progress) passKey {
	return passKey{runID: p.RunID, state: p.State, epoch: p.Epoch}
}

// displayLoop draws updates asynchronously: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *ProgressBar) displayLoop() {
	defer pBar.asyncUpdatesDone.Done()
	var pending *progressBarUpdate
	for {
		var update progressBarUpdate
		if pending != nil {
			update, pending = *pending, nil
		} else {
			var ok bool
			update, ok = <-pBar.updates
			if !ok {
				return
			}
		}

		// Exhaust the updates in the buffer, as long as they are from the same pass.
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				if keyOf(newUpdate.progress) != keyOf(update.progress) {
					pending = &newUpdate
					break exhaust
				}
				update = newUpdate
			default:
				break exhaust
			}
		}
		pBar.display(update)
	}
}

func (pBar *ProgressBar) startPass(update progressBarUpdate) {
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
		fmt.Println()
	}
	p := update.progress
	pBar.current = keyOf(p)
	pBar.hasCurrent = true
	pBar.passStart = update.at
	pBar.isFirstOutput = true
	numBatches := p.NumBatches
	if numBatches <= 0 {
		numBatches = -1 // Unknown length: spinner.
	}
	pBar.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("run %s, epoch %d, %s:", p.RunID, p.Epoch, p.State)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
}

func (pBar *ProgressBar) display(update progressBarUpdate) {
	p := update.progress
	if !pBar.hasCurrent || keyOf(p) != pBar.current {
		pBar.startPass(update)
	}
	var stepDuration time.Duration
	if p.Batch > 0 {
		stepDuration = update.at.Sub(pBar.passStart) / time.Duration(p.Batch)
	}

	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [ProgressBar.Write].
		parts := []string{
			fmt.Sprintf(" [loss=%.4f]", p.Loss),
			fmt.Sprintf(" [acc=%.4f]", p.Accuracy),
			// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
			"        ",
		}
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Set(p.Batch) // Triggers print, see [ProgressBar.Write] method.
		return
	}

	// Suffix to erase spurious characters from previous prints.
	pBar.suffix = "\033[J"
	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Run", p.RunID)
	pBar.statsTable.Row("Epoch", humanize.Comma(int64(p.Epoch)))
	pBar.statsTable.Row("Phase", p.State.String())
	pBar.statsTable.Row("Batch", fmt.Sprintf("%s of %s", humanize.Comma(int64(p.Batch)), humanize.Comma(int64(p.NumBatches))))
	pBar.statsTable.Row("Loss", fmt.Sprintf("%.4f", p.Loss))
	pBar.statsTable.Row("Accuracy (per batch)", fmt.Sprintf("%.4f", p.Accuracy))
	pBar.statsTable.Row("Mean batch duration", FormatDuration(stepDuration))

	// For command-line, we clear the previous lines that will be overwritten.
	pBar.termenv.HideCursor()
	if !pBar.isFirstOutput {
		// Table rows, its 2 borders and the progress bar line.
		pBar.termenv.CursorPrevLine(numStatsRows + 2 + 1)
	}
	pBar.isFirstOutput = false

	// Print update.
	fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
	_ = pBar.bar.Set(p.Batch) // Prints progress bar line.
	fmt.Println()
	pBar.termenv.ShowCursor()
	time.Sleep(maxUpdateFrequency)
}
