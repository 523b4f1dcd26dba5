package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"uchat-directory/internal/model"
)

const maxPreviewRunes = 40

type renderer struct {
	out    io.Writer
	colors bool
}

func (r renderer) badge(view model.ConversationView) string {
	n, ok := view.Badge()
	if !ok {
		return ""
	}
	text := fmt.Sprintf(" %d ", n)
	if r.colors {
		return color.New(color.BgGreen, color.FgWhite, color.OpBold).Render(text)
	}
	return "(" + strings.TrimSpace(text) + ")"
}

func previewCell(p model.Preview) string {
	var icons []string
	if p.HasImage {
		icons = append(icons, "[img]")
	}
	if p.HasVideo {
		icons = append(icons, "[vid]")
	}
	line := p.Line()
	if runes := []rune(line); len(runes) > maxPreviewRunes {
		line = string(runes[:maxPreviewRunes-1]) + "…"
	}
	if p.Kind == model.PreviewText && len(icons) > 0 {
		return strings.Join(icons, " ") + " " + line
	}
	if p.Kind == model.PreviewEmpty {
		return "-"
	}
	return line
}

func counterpartCell(view model.ConversationView, localID string) string {
	name := view.Counterpart.DisplayName
	if name == "" {
		name = view.Counterpart.ID
	}
	if view.Counterpart.ID == localID {
		name += " (you)"
	}
	return name
}

// directory prints the conversation list, one numbered row per conversation.
func (r renderer) directory(views []model.ConversationView, localID string) {
	if len(views) == 0 {
		fmt.Fprintln(r.out, "No conversations yet.")
		return
	}

	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"#", "Conversation", "Last message", "Unseen"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for i, v := range views {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			counterpartCell(v, localID),
			previewCell(v.Preview),
			r.badge(v),
		})
	}
	table.Render()
}

func (r renderer) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.colors {
		msg = color.Yellow.Render(msg)
	}
	fmt.Fprintln(r.out, msg)
}

func (r renderer) failure(msg string) {
	if r.colors {
		msg = color.Red.Render(msg)
	}
	fmt.Fprintln(r.out, msg)
}
