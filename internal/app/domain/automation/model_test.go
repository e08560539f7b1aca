package automation

import (
	"testing"
	"time"
)

func TestExecutionIsTerminal(t *testing.T) {
	cases := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionPending, false},
		{ExecutionRunning, false},
		{ExecutionSuccess, true},
		{ExecutionFailed, true},
		{ExecutionSkipped, true},
	}

	for _, tc := range cases {
		exec := Execution{Status: tc.status}
		if got := exec.IsTerminal(); got != tc.want {
			t.Errorf("Execution{Status: %v}.IsTerminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestServiceTokenExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	expired := ServiceToken{ExpiresAt: &past}
	if !expired.Expired(now) {
		t.Error("token past expiry should report Expired() = true")
	}

	future := now.Add(time.Hour)
	valid := ServiceToken{ExpiresAt: &future}
	if valid.Expired(now) {
		t.Error("token not yet expired should report Expired() = false")
	}

	nonExpiring := ServiceToken{}
	if nonExpiring.Expired(now) {
		t.Error("token with nil ExpiresAt should never report Expired() = true")
	}
}

func TestServiceTokenNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	withinWindow := now.Add(2 * time.Minute)
	token := ServiceToken{ExpiresAt: &withinWindow}
	if !token.NearExpiry(now, window) {
		t.Error("token expiring within the proactive window should report NearExpiry() = true")
	}

	outsideWindow := now.Add(time.Hour)
	token2 := ServiceToken{ExpiresAt: &outsideWindow}
	if token2.NearExpiry(now, window) {
		t.Error("token expiring well outside the proactive window should report NearExpiry() = false")
	}

	nonExpiring := ServiceToken{}
	if nonExpiring.NearExpiry(now, window) {
		t.Error("token with nil ExpiresAt should never report NearExpiry() = true")
	}
}
