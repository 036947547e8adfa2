package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/CuriousInventions/smartpaci-dfu/dfu"
	"github.com/CuriousInventions/smartpaci-dfu/image"
	"github.com/CuriousInventions/smartpaci-dfu/mcumgr"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func field(name, value string) string {
	return fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", name+":")), value)
}

func renderInfo(path string, img *image.Image) string {
	info := img.Info()

	var b strings.Builder
	b.WriteString(labelStyle.Render("Image "+path) + "\n")
	b.WriteString(field("Version", info.Version))
	b.WriteString(field("Size", fmt.Sprintf("%d bytes (%d signed)", info.FileSize, info.ImageSize)))

	digest := info.Digest
	if digest == "" {
		digest = dimStyle.Render("none")
	}
	b.WriteString(field("Hash", digest))
	if info.DigestValid {
		b.WriteString(field("Valid", okStyle.Render("yes")))
	} else {
		b.WriteString(field("Valid", failStyle.Render("no")))
	}

	if info.Commit != "" {
		b.WriteString(field("Commit", info.Commit))
	}
	if info.HasBuildTime {
		b.WriteString(field("Built", info.BuildTime.Local().Format(time.RFC1123)))
	}
	return b.String()
}

func renderSlots(slots []mcumgr.SlotState) string {
	if len(slots) == 0 {
		return dimStyle.Render("No images reported") + "\n"
	}

	var b strings.Builder
	for _, s := range slots {
		title := fmt.Sprintf("Image %d slot %d", s.Image, s.Slot)
		b.WriteString(labelStyle.Render(title) + "\n")
		b.WriteString(field("Version", s.Version))
		b.WriteString(field("Hash", s.HashHex()))
		flags := strings.Join(s.Flags(), " ")
		if flags == "" {
			flags = dimStyle.Render("-")
		}
		b.WriteString(field("Flags", flags))
	}
	return b.String()
}

func renderResult(ev dfu.Event) string {
	var line string
	switch ev.Kind {
	case dfu.EventBootConfirmed:
		line = okStyle.Render("Update confirmed")
	case dfu.EventBootReverted:
		line = warnStyle.Render("Device reverted to its previous image")
	default:
		line = failStyle.Render("Update failed (" + ev.Kind.String() + ")")
	}
	if ev.Slot != nil {
		line += dimStyle.Render(fmt.Sprintf(" running %s", ev.Slot.Version))
	}
	if ev.Err != nil {
		line += "\n  " + ev.Err.Error()
	}
	return line
}

func renderHistory(reports []dfu.Report) string {
	if len(reports) == 0 {
		return dimStyle.Render("No updates recorded") + "\n"
	}

	var b strings.Builder
	for _, r := range reports {
		var outcome string
		switch r.Outcome {
		case dfu.OutcomeConfirmed:
			outcome = okStyle.Render(string(r.Outcome))
		case dfu.OutcomeReverted:
			outcome = warnStyle.Render(string(r.Outcome))
		default:
			outcome = failStyle.Render(string(r.Outcome))
		}
		fmt.Fprintf(&b, "%s  %-10s %s  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Version,
			outcome,
			dimStyle.Render(r.SessionID),
		)
		if r.Error != "" {
			fmt.Fprintf(&b, "    %s\n", r.Error)
		}
	}
	return b.String()
}

// progressView renders upload progress as a single terminal line.
type progressView struct {
	bar     progress.Model
	started time.Time
}

func newProgressView() *progressView {
	return &progressView{
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		started: time.Now(),
	}
}

func (p *progressView) render(ev dfu.Event) string {
	elapsed := time.Since(p.started)
	var eta time.Duration
	if ev.Percentage > 0 && ev.Percentage < 100 {
		eta = time.Duration(float64(elapsed)*100/ev.Percentage) - elapsed
	}
	return fmt.Sprintf("%s %d/%d bytes  %s",
		p.bar.ViewAs(ev.Percentage/100),
		ev.BytesAcknowledged,
		ev.TotalLength,
		dimStyle.Render(fmt.Sprintf("elapsed %s eta %s", elapsed.Round(time.Second), eta.Round(time.Second))),
	)
}
