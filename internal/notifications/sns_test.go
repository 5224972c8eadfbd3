package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/tmachado/llmcall/internal/spend"
)

func TestInMemoryNotifier(t *testing.T) {
	ctx := context.Background()
	n := NewInMemoryNotifier()

	var handled []Notification
	n.OnNotification(func(notification Notification) {
		handled = append(handled, notification)
	})

	notification := Notification{Type: NotificationSpendWarning, Message: "warn"}
	if err := n.Send(ctx, notification); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	stored := n.GetNotifications()
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
	if stored[0].Type != NotificationSpendWarning {
		t.Errorf("Type = %q, want %q", stored[0].Type, NotificationSpendWarning)
	}
	if len(handled) != 1 {
		t.Errorf("handler calls = %d, want 1", len(handled))
	}

	n.Clear()
	if len(n.GetNotifications()) != 0 {
		t.Error("Clear() did not empty stored notifications")
	}
}

func TestSpendAlertHandler(t *testing.T) {
	n := NewInMemoryNotifier()
	handler := SpendAlertHandler(n)

	handler(spend.Alert{
		Level:     spend.AlertLevelWarning,
		HardCap:   10.0,
		Spent:     2.6,
		Message:   "spent $2.6000 already (will be stopped at $10.0000)",
		Timestamp: time.Now().UTC(),
	})

	stored := n.GetNotifications()
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.Type != NotificationSpendWarning {
		t.Errorf("Type = %q, want %q", got.Type, NotificationSpendWarning)
	}
	if got.Data["hard_cap_dollars"] != 10.0 {
		t.Errorf("hard_cap_dollars = %v, want 10.0", got.Data["hard_cap_dollars"])
	}
	if got.Data["dollars_spent"] != 2.6 {
		t.Errorf("dollars_spent = %v, want 2.6", got.Data["dollars_spent"])
	}
}

func TestSpendAlertHandler_ExceededLevel(t *testing.T) {
	n := NewInMemoryNotifier()
	handler := SpendAlertHandler(n)

	handler(spend.Alert{Level: spend.AlertLevelExceeded, HardCap: 1.0, Spent: 1.2})

	stored := n.GetNotifications()
	if len(stored) != 1 {
		t.Fatalf("stored = %d, want 1", len(stored))
	}
	if stored[0].Type != NotificationSpendExceeded {
		t.Errorf("Type = %q, want %q", stored[0].Type, NotificationSpendExceeded)
	}
}
