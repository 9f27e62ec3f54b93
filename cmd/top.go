package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
	"github.com/webitel/event-stream-service/internal/domain/model"
)

const globalHeight = 9

func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live view of a running server's /stats",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "http://127.0.0.1:8091/stats",
				Usage: "stats endpoint (admin server, or the SSE port's /stats)",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.Context, c.String("url"), c.Duration("interval"))
		},
	}
}

func fetchStats(ctx context.Context, client *http.Client, url string) (model.HubStats, error) {
	var st model.HubStats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, err
	}
	res, err := client.Do(req)
	if err != nil {
		return st, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return st, fmt.Errorf("stats: %s", res.Status)
	}
	err = json.NewDecoder(res.Body).Decode(&st)
	return st, err
}

func globalText(st model.HubStats) string {
	g := st.Global
	var b strings.Builder
	fmt.Fprintf(&b, "uptime       %s\n", g.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "channels     %d    clients %d\n", g.Channels, g.Clients)
	fmt.Fprintf(&b, "broadcasted  %d\n", g.BroadcastedEvents)
	fmt.Fprintf(&b, "connects     %d    disconnects %d    client errors %d\n",
		g.ChannelConnects, g.ChannelDisconnects, g.ChannelClientErrors)
	fmt.Fprintf(&b, "invalid req  %d    oversized %d    invalid events %d    read errors %d",
		g.InvalidHTTPRequests, g.OversizedHTTPRequests, g.InvalidEventsReceived, g.RouterReadErrors)
	return b.String()
}

func channelRows(st model.HubStats) [][]string {
	rows := [][]string{{"channel", "clients", "broadcasted", "cached", "connects", "disconnects", "errors"}}
	for _, ch := range st.Channels {
		rows = append(rows, []string{
			ch.ID,
			strconv.FormatInt(ch.Clients, 10),
			strconv.FormatUint(ch.BroadcastedEvents, 10),
			fmt.Sprintf("%d/%d", ch.CachedEvents, ch.CacheSize),
			strconv.FormatUint(ch.TotalConnects, 10),
			strconv.FormatUint(ch.TotalDisconnects, 10),
			strconv.FormatUint(ch.ClientErrors, 10),
		})
	}
	return rows
}

func runTop(ctx context.Context, url string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	defer ui.Close()

	client := &http.Client{Timeout: interval}

	global := widgets.NewParagraph()
	global.Title = " " + url + " "

	table := widgets.NewTable()
	table.Title = " channels "
	table.RowSeparator = false
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowStyles[0] = ui.NewStyle(ui.ColorYellow, ui.ColorClear, ui.ModifierBold)

	layout := func() {
		w, h := ui.TerminalDimensions()
		global.SetRect(0, 0, w, globalHeight)
		table.SetRect(0, globalHeight, w, h)
	}
	refresh := func() {
		st, err := fetchStats(ctx, client, url)
		if err != nil {
			global.Text = "[" + err.Error() + "](fg:red)"
		} else {
			global.Text = globalText(st)
			table.Rows = channelRows(st)
		}
		ui.Render(global, table)
	}

	layout()
	refresh()

	events := ui.PollEvents()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				layout()
				ui.Clear()
				ui.Render(global, table)
			}
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return nil
		}
	}
}
