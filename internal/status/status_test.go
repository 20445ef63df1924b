package status

import (
	"testing"
	"time"

	"github.com/victorarias/relayd/internal/protocol"
)

func TestFormat_NoSessions(t *testing.T) {
	result := Format(nil)
	if result != "✓ all clear" {
		t.Errorf("expected '✓ all clear' for no sessions, got %q", result)
	}
}

func TestFormat_NoWaiting(t *testing.T) {
	sessions := []protocol.Session{
		{ID: "one", Status: protocol.StatusActive},
		{ID: "two", Status: protocol.StatusStopped},
	}
	result := Format(sessions)
	if result != "✓ all clear" {
		t.Errorf("expected '✓ all clear' for no waiting, got %q", result)
	}
}

func TestFormat_OneWaiting(t *testing.T) {
	sessions := []protocol.Session{
		{ID: "drumstick", Status: protocol.StatusWaiting, PendingPermissions: 1},
	}
	result := Format(sessions)
	expected := "1 waiting: drumstic"
	if result != expected {
		t.Errorf("got %q, want %q", result, expected)
	}
}

func TestFormat_SortsOldestFirst(t *testing.T) {
	now := time.Now()
	sessions := []protocol.Session{
		{ID: "newer", Status: protocol.StatusWaiting, PendingPermissions: 1, LastActivityAt: now},
		{ID: "older", Status: protocol.StatusWaiting, PendingPermissions: 2, LastActivityAt: now.Add(-time.Minute)},
	}
	result := Format(sessions)
	expected := "2 waiting: older(2), newer"
	if result != expected {
		t.Errorf("got %q, want %q", result, expected)
	}
}

func TestFormat_ManyWaiting_Truncates(t *testing.T) {
	now := time.Now()
	sessions := []protocol.Session{
		{ID: "one", Status: protocol.StatusWaiting, LastActivityAt: now},
		{ID: "two", Status: protocol.StatusWaiting, LastActivityAt: now.Add(-time.Second)},
		{ID: "three", Status: protocol.StatusWaiting, LastActivityAt: now.Add(-2 * time.Second)},
		{ID: "four", Status: protocol.StatusWaiting, LastActivityAt: now.Add(-3 * time.Second)},
		{ID: "five", Status: protocol.StatusWaiting, LastActivityAt: now.Add(-4 * time.Second)},
	}
	result := Format(sessions)
	if result != "5 waiting: five, four, three, ..." {
		t.Errorf("got %q, want truncated format", result)
	}
}
