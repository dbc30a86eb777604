package app

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"marzbot/internal/marzban"
)

const maxListedUsers = 200

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatLimit(p *int64) string {
	if p == nil || *p <= 0 {
		return "unlimited"
	}
	return formatBytes(*p)
}

func formatExpire(p *int64, now time.Time) string {
	if p == nil || *p <= 0 {
		return "never"
	}
	t := time.Unix(*p, 0)
	return fmt.Sprintf("%s (%s)", t.UTC().Format("2006-01-02"), humanize.RelTime(t, now, "ago", "from now"))
}

func formatUserList(users []marzban.User) string {
	if len(users) == 0 {
		return "No users found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Users (%d)</b>\n\n", len(users))
	for i, u := range users {
		if i == maxListedUsers {
			fmt.Fprintf(&b, "… and %d more\n", len(users)-maxListedUsers)
			break
		}
		fmt.Fprintf(&b, "👤 %s - %s - %s/%s\n",
			html.EscapeString(u.Username),
			html.EscapeString(u.Status),
			formatBytes(u.UsedTraffic),
			formatLimit(u.DataLimit),
		)
	}
	return b.String()
}

func formatSubscription(u marzban.User, now time.Time) string {
	lines := []string{
		"📋 <b>Your subscription</b>",
		"",
		"👤 Name: " + html.EscapeString(u.Username),
		"🔧 Status: " + html.EscapeString(u.Status),
		"📊 Used: " + formatBytes(u.UsedTraffic),
		"📈 Limit: " + formatLimit(u.DataLimit),
		"📅 Expires: " + formatExpire(u.Expire, now),
	}
	if u.CreatedAt != "" {
		lines = append(lines, "🗓 Created: "+html.EscapeString(u.CreatedAt))
	}
	if u.SubscriptionURL != "" {
		lines = append(lines, "", "🔗 <code>"+html.EscapeString(u.SubscriptionURL)+"</code>")
	}
	return strings.Join(lines, "\n")
}

// formatServerStatus is the panel overview shown to clients.
func formatServerStatus(st marzban.SystemStats) string {
	return strings.Join([]string{
		"📊 <b>Server status</b>",
		"",
		"🏷 Version: " + html.EscapeString(st.Version),
		fmt.Sprintf("🖥 CPU: %.1f%% of %d cores", st.CPUUsage, st.CPUCores),
		fmt.Sprintf("💾 Memory: %s / %s", formatBytes(st.MemUsed), formatBytes(st.MemTotal)),
		fmt.Sprintf("📶 Traffic: ↓%s ↑%s", formatBytes(st.IncomingBandwidth), formatBytes(st.OutgoingBandwidth)),
		fmt.Sprintf("👥 Users: %d total, %d active, %d inactive", st.TotalUser, st.UsersActive, max(0, st.TotalUser-st.UsersActive)),
	}, "\n")
}

// formatStatus adds the queue backlog for administrators.
func formatStatus(st marzban.SystemStats, pending int) string {
	return formatServerStatus(st) + fmt.Sprintf("\n📨 Pending broadcasts: %d", pending)
}
