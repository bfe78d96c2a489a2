package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"fsgrid/pkg/admin"
	"fsgrid/pkg/types"
	"fsgrid/pkg/utils"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff9f43"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00d2d3"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00d2d3"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffffff")).Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func renderSlavesTable(infos []types.SlaveInfo) string {
	if len(infos) == 0 {
		return dimStyle.Render("No slaves registered. Add one with \"fsgrid slaves add <name>\".")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	t := newTable("NAME", "STATE", "ADDRESS", "FREE", "CAPACITY", "USAGE", "MASKS")
	online := 0
	for _, info := range infos {
		state := errorStyle.Render("● offline")
		if info.Online {
			state = successStyle.Render("● online")
			online++
		} else if info.OfflineReason != "" {
			state += dimStyle.Render(" (" + info.OfflineReason + ")")
		}

		free, capacity, usage := "-", "-", "-"
		if info.Status != nil {
			free = utils.FormatDataSize(info.Status.DiskSpaceAvailable)
			capacity = utils.FormatDataSize(info.Status.DiskSpaceCapacity)
			usage = renderUsage(*info.Status)
		}

		address := info.RemoteAddr
		if address == "" {
			address = "-"
		}
		t.Row(string(info.Name), state, address, free, capacity, usage, strings.Join(info.Masks, ", "))
	}

	header := titleStyle.Render(fmt.Sprintf("SLAVES %d/%d online", online, len(infos)))
	return header + "\n" + t.Render()
}

func renderSlaveCard(info types.SlaveInfo) string {
	rows := [][2]string{
		{"Name", string(info.Name)},
		{"Masks", strings.Join(info.Masks, ", ")},
	}
	if len(info.Roots) > 0 {
		rows = append(rows, [2]string{"Roots", strings.Join(info.Roots, ", ")})
	}
	if info.Online {
		rows = append(rows, [2]string{"State", successStyle.Render("online")}, [2]string{"Address", info.RemoteAddr})
	} else {
		rows = append(rows, [2]string{"State", errorStyle.Render("offline")}, [2]string{"Reason", info.OfflineReason})
	}
	if s := info.Status; s != nil {
		rows = append(rows,
			[2]string{"Free", utils.FormatDataSize(s.DiskSpaceAvailable)},
			[2]string{"Capacity", utils.FormatDataSize(s.DiskSpaceCapacity)},
			[2]string{"Usage", renderUsage(*s)},
			[2]string{"Transfers", fmt.Sprintf("%d up, %d down", s.TransfersSending, s.TransfersReceiving)},
			[2]string{"Sampled", info.StatusUpdated.Format(time.RFC3339)},
		)
	}

	t := newTable("FIELD", "VALUE")
	for _, row := range rows {
		t.Row(row[0], row[1])
	}
	return t.Render()
}

func renderStatus(status *admin.StatusResponse) string {
	total := status.Total
	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		renderStatCard("Reachable", fmt.Sprintf("%d/%d", status.Reachable, status.Registered), lipgloss.Color("#00d2d3")),
		renderStatCard("Free", utils.FormatDataSize(total.DiskSpaceAvailable), lipgloss.Color("#42c767")),
		renderStatCard("Capacity", utils.FormatDataSize(total.DiskSpaceCapacity), lipgloss.Color("#ff9f43")),
	)

	names := make([]string, 0, len(status.Slaves))
	for name := range status.Slaves {
		names = append(names, string(name))
	}
	sort.Strings(names)

	t := newTable("SLAVE", "FREE", "CAPACITY", "USAGE")
	for _, name := range names {
		s := status.Slaves[types.SlaveName(name)]
		if s == nil {
			t.Row(name, errorStyle.Render("unreachable"), "-", "-")
			continue
		}
		t.Row(name, utils.FormatDataSize(s.DiskSpaceAvailable), utils.FormatDataSize(s.DiskSpaceCapacity), renderUsage(*s))
	}
	return cards + "\n" + t.Render()
}

func renderUsage(s types.SlaveStatus) string {
	if s.DiskSpaceCapacity <= 0 {
		return "-"
	}
	percent := float64(s.DiskSpaceUsed()) / float64(s.DiskSpaceCapacity) * 100

	color := lipgloss.Color("#42c767")
	if percent > 80 {
		color = lipgloss.Color("#ff6b6b")
	} else if percent > 60 {
		color = lipgloss.Color("#ff9f43")
	}
	return renderMiniBar(percent, 10) + " " + lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%.1f%%", percent))
}

func renderMiniBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(float64(width) * percent / 100)
	return lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Render(strings.Repeat("▪", filled)) +
		lipgloss.NewStyle().Foreground(lipgloss.Color("#333333")).Render(strings.Repeat("·", width-filled))
}

func renderStatCard(label, value string, color lipgloss.Color) string {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(18).
		Render(dimStyle.Render(label) + "\n" + lipgloss.NewStyle().Foreground(color).Bold(true).Render(value))
}
