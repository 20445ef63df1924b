// Package status renders a one-line session summary for tmux status bars.
package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/victorarias/relayd/internal/protocol"
)

const maxLabels = 3

// Format summarizes sessions that wait on a permission decision, longest
// waiting first.
func Format(sessions []protocol.Session) string {
	var waiting []protocol.Session
	for _, s := range sessions {
		if s.Status == protocol.StatusWaiting {
			waiting = append(waiting, s)
		}
	}

	if len(waiting) == 0 {
		return "✓ all clear"
	}

	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].LastActivityAt.Before(waiting[j].LastActivityAt)
	})

	var labels []string
	for i, s := range waiting {
		if i >= maxLabels {
			break
		}
		labels = append(labels, label(s))
	}

	labelStr := strings.Join(labels, ", ")
	if len(waiting) > maxLabels {
		labelStr += ", ..."
	}

	return fmt.Sprintf("%d waiting: %s", len(waiting), labelStr)
}

func label(s protocol.Session) string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	if s.PendingPermissions > 1 {
		return fmt.Sprintf("%s(%d)", id, s.PendingPermissions)
	}
	return id
}
