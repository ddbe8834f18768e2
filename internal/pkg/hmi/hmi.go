// Package hmi shows a ranked run in the terminal.
package hmi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell"
	"github.com/ohowland/cgc_screen/internal/pkg/rank"
	"github.com/ohowland/cgc_screen/internal/pkg/screen"
	"github.com/rivo/tview"
)

const logo = `
 __   __   __   ___  ___
 \ \ / /  / _| / __|| _ \
  \ V /   \_ \| (__ |   /
   \_/    |__/ \___||_|_\
`

// Page builds one screen of the application.
type Page func(*tview.Pages) (title string, content tview.Primitive)

var header = []string{"Rank", "Network", "Size", "Robust", "Margin", "Effort"}

// RankingTable lays out the records of run, one row each after the header.
func RankingTable(run screen.Run) *tview.Table {
	table := tview.NewTable().SetFixed(1, 1)

	for column, title := range header {
		table.SetCell(0, column, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}
	for i, r := range run.Records {
		row := i + 1
		for column, text := range recordCells(r) {
			color := tcell.ColorWhite
			if column == 0 {
				color = tcell.ColorDarkCyan
			}
			if column == 3 && !r.Robust {
				color = tcell.ColorRed
			}
			table.SetCell(row, column, tview.NewTableCell(text).
				SetTextColor(color).
				SetAlign(tview.AlignRight))
		}
	}

	table.SetBorder(true).SetTitle(fmt.Sprintf(" %s run %s ", run.Stage, run.ID.String()[:8]))
	table.SetBorders(false).
		SetSelectable(true, false).
		SetSeparator(' ')
	return table
}

func recordCells(r rank.Record) []string {
	robust := "no"
	if r.Robust {
		robust = "yes"
	}
	return []string{
		strconv.Itoa(r.Rank),
		r.NetworkID,
		strconv.Itoa(r.Size),
		robust,
		strconv.FormatFloat(r.Margin, 'f', 2, 64),
		strconv.FormatFloat(r.Effort, 'f', 2, 64),
	}
}

// Detail describes the per-season results of r.
func Detail(r rank.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Network %s (%d nodes)\n\n", r.NetworkID, r.Size)
	for _, s := range r.Seasons {
		fmt.Fprintf(&b, "%-8s setpoint %7.2f V  min %7.2f V  max %7.2f V\n", s.Season, s.Setpoint, s.Min, s.Max)
	}
	return b.String()
}

// Overview is the ranking table with a detail pane for the selected row.
func Overview(run screen.Run) Page {
	return func(pages *tview.Pages) (string, tview.Primitive) {
		table := RankingTable(run)
		detail := tview.NewTextView()
		detail.SetBorder(true).SetTitle(" Seasons ")

		show := func(row int) {
			if row >= 1 && row <= len(run.Records) {
				detail.SetText(Detail(run.Records[row-1]))
			}
		}
		table.SetSelectionChangedFunc(func(row, column int) { show(row) })
		show(1)

		flex := tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(table, 0, 3, true).
			AddItem(detail, 0, 1, false)
		return "Overview", flex
	}
}

// Splash shows the logo until enter is pressed.
func Splash(pages *tview.Pages) (string, tview.Primitive) {
	lines := strings.Split(logo, "\n")
	logoWidth := 0
	for _, line := range lines {
		if len(line) > logoWidth {
			logoWidth = len(line)
		}
	}
	logoBox := tview.NewTextView().
		SetTextColor(tcell.ColorBlue).
		SetDoneFunc(func(key tcell.Key) {
			pages.SwitchToPage("Overview")
		})
	fmt.Fprint(logoBox, logo)

	frame := tview.NewFrame(tview.NewBox()).
		SetBorders(0, 0, 0, 0, 0, 0).
		AddText("LV setpoint screening", true, tview.AlignCenter, tcell.ColorWhite).
		AddText("press enter", true, tview.AlignCenter, tcell.ColorDarkMagenta)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tview.NewBox(), 0, 5, false).
		AddItem(tview.NewFlex().
			AddItem(tview.NewBox(), 0, 1, false).
			AddItem(logoBox, logoWidth, 1, true).
			AddItem(tview.NewBox(), 0, 1, false), len(lines), 1, true).
		AddItem(frame, 0, 10, false)
	return "Splash", flex
}

// Build assembles the pages with the splash visible.
func Build(run screen.Run) *tview.Pages {
	pages := tview.NewPages()
	for _, page := range []Page{Splash, Overview(run)} {
		title, content := page(pages)
		pages.AddPage(title, content, true, title == "Splash")
	}
	return pages
}

// Show runs the terminal application until the user quits.
func Show(run screen.Run) error {
	app := tview.NewApplication()
	pages := Build(run)
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})
	return app.SetRoot(pages, true).Run()
}
