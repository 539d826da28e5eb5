// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/promptccd/ccd/stages"
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
	bestColor         = "#50A050"
)

// ProgressBar displays the training of the stages on a terminal: a progress bar over the batches of each
// epoch, followed by a table with the epoch metrics.
//
// It implements stages.Progress. It is not safe for concurrent use, but the trainer calls it from a single
// goroutine.
type ProgressBar struct {
	out        io.Writer
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	bar             *progressbar.ProgressBar
	stage, epoch    int
	startTime       time.Time
	lossSum, accSum float64
	numBatchesSeen  int
	bestOldAcc      float64
	bestStage       int
	hasBest         bool

	// TableAfterEpoch prints a table with the metrics of each epoch. Defaults to true.
	TableAfterEpoch bool

	// BatchesPerRefresh is the number of batches between updates of the running metrics shown in the bar.
	BatchesPerRefresh int
}

var _ stages.Progress = (*ProgressBar)(nil)

// NewProgressBar writes to os.Stdout.
func NewProgressBar() *ProgressBar {
	return NewProgressBarTo(os.Stdout)
}

// NewProgressBarTo creates a ProgressBar writing to out.
func NewProgressBarTo(out io.Writer) *ProgressBar {
	return &ProgressBar{
		out:        out,
		termenv:    termenv.NewOutput(out),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
		TableAfterEpoch:   true,
		BatchesPerRefresh: 1,
	}
}

// StartEpoch implements stages.Progress.
func (p *ProgressBar) StartEpoch(stage, epoch, numBatches int) {
	if !p.hasBest || stage != p.bestStage {
		p.bestStage, p.bestOldAcc, p.hasBest = stage, -1, true
	}
	p.stage, p.epoch = stage, epoch
	p.startTime = time.Now()
	p.lossSum, p.accSum, p.numBatchesSeen = 0, 0, 0
	p.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(p.description()),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func (p *ProgressBar) description() string {
	desc := fmt.Sprintf("stage %d, epoch %d", p.stage, p.epoch)
	if p.numBatchesSeen > 0 {
		n := float64(p.numBatchesSeen)
		desc = fmt.Sprintf("%s [loss=%.4f acc=%.2f%%]", desc, p.lossSum/n, 100*p.accSum/n)
	}
	return desc
}

// Batch implements stages.Progress.
func (p *ProgressBar) Batch(loss, accuracy float64) {
	p.lossSum += loss
	p.accSum += accuracy
	p.numBatchesSeen++
	if p.bar == nil {
		return
	}
	if p.BatchesPerRefresh <= 1 || p.numBatchesSeen%p.BatchesPerRefresh == 0 {
		p.bar.Describe(p.description())
	}
	_ = p.bar.Add(1)
}

// EndEpoch implements stages.Progress.
func (p *ProgressBar) EndEpoch(record stages.EpochRecord) {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
	_, _ = fmt.Fprintln(p.out)
	if !p.TableAfterEpoch {
		return
	}
	p.statsTable.Data(lgtable.NewStringData())
	p.statsTable.Row("Stage / Epoch", fmt.Sprintf("%d / %d", p.stage, record.Epoch))
	p.statsTable.Row("Batches", humanize.Comma(int64(p.numBatchesSeen)))
	p.statsTable.Row("Duration", FormatDuration(time.Since(p.startTime)))
	p.statsTable.Row("Learning rate", fmt.Sprintf("%.3g", record.LearningRate))
	p.statsTable.Row("Loss", fmt.Sprintf("%.4f", record.Loss))
	p.statsTable.Row("Train accuracy", fmt.Sprintf("%.2f%%", 100*record.TrainAcc))
	if record.Refit {
		p.statsTable.Row("Mixture", "refit")
	}
	if record.Evaluated {
		oldAcc := fmt.Sprintf("%.2f%%", 100*record.OldAcc)
		if record.OldAcc > p.bestOldAcc {
			p.bestOldAcc = record.OldAcc
			oldAcc = p.termenv.String(oldAcc + " (best)").Foreground(p.termenv.Color(bestColor)).Bold().String()
		}
		p.statsTable.Row("Old classes accuracy", oldAcc)
	}
	_, _ = fmt.Fprintln(p.out, p.statsStyle.Render(p.statsTable.String()))
}
