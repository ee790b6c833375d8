package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/schovi/pigeon/internal/pgconfig"
	"github.com/schovi/pigeon/internal/session"
)

var (
	panelTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	panelRule  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	panelKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Width(26)
	panelOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	panelWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	panelLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
)

// renderPanel is the -v/--verbose session banner shown before a
// command is dispatched, grounded on the original implementation's
// _format_interactive_panel.
func renderPanel(sessionID string, opts Options, cwd string, remoteArgv []string, cfg pgconfig.FileConfig, workers []session.Heartbeat) string {
	rule := panelRule.Render(strings.Repeat("=", 72))
	var b strings.Builder

	kv := func(k, v string) {
		fmt.Fprintf(&b, "  %s: %s\n", panelKey.Render(k), v)
	}

	b.WriteString("\n" + rule + "\n")
	b.WriteString(panelTitle.Render("Pigeon Session") + "\n")
	b.WriteString(rule + "\n")

	b.WriteString(panelLabel.Render("[Session]") + "\n")
	kv("session_id", sessionID)
	kv("cwd", cwd)
	kv("remote.exec", strings.Join(remoteArgv, " "))
	b.WriteString("\n")

	routeLabel := "-"
	if opts.Route != nil {
		routeLabel = *opts.Route
	}
	b.WriteString(panelLabel.Render("[Routing]") + "\n")
	kv("cache", opts.Layout.CacheRoot)
	kv("namespace", opts.Layout.Namespace)
	kv("route(request)", routeLabel)
	b.WriteString("\n")

	b.WriteString(panelLabel.Render("[Config]") + "\n")
	kv("config.path", cfg.Path)
	kv("remote_env", formatRemoteEnv(cfg.RemoteEnv))
	b.WriteString("\n")

	b.WriteString(panelLabel.Render("[Active Workers]") + "\n")
	count := fmt.Sprintf("%d", len(workers))
	if len(workers) > 0 {
		count = panelOK.Render(count)
	} else {
		count = panelWarn.Render(count)
	}
	kv("count", count)
	for _, line := range formatWorkers(workers) {
		kv("", line)
	}
	b.WriteString(rule + "\n")
	return b.String()
}

func formatRemoteEnv(remoteEnv map[string]string) string {
	if len(remoteEnv) == 0 {
		return "<none>"
	}
	keys := make([]string, 0, len(remoteEnv))
	for k := range remoteEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+remoteEnv[k])
	}
	return strings.Join(parts, ", ")
}

func formatWorkers(workers []session.Heartbeat) []string {
	if len(workers) == 0 {
		return []string{"<none>"}
	}
	const previewLimit = 3
	lines := make([]string, 0, previewLimit+1)
	for i, hb := range workers {
		if i >= previewLimit {
			break
		}
		route := "-"
		if hb.Route != nil && *hb.Route != "" {
			route = *hb.Route
		}
		lines = append(lines, fmt.Sprintf("%s pid=%d route=%s heartbeat=%.0f", hb.Host, hb.PID, route, hb.UpdatedAt))
	}
	if len(workers) > previewLimit {
		lines = append(lines, fmt.Sprintf("... +%d more", len(workers)-previewLimit))
	}
	return lines
}
