package xfer

import (
	"testing"
	"time"

	"go.cryptosync.io/xfer/modules"
)

func TestOnFailureDispositionTable(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		timeLeft    time.Duration
		raid        bool
		contentType string

		wantBackoff   time.Duration
		wantOverquota bool
		wantRefresh   bool
		wantRecovery  bool
		wantFatal     error
	}{
		{
			name:          "509 with server timeleft",
			status:        509,
			timeLeft:      90 * time.Second,
			wantBackoff:   90 * time.Second,
			wantOverquota: true,
		},
		{
			name:          "509 without timeleft uses client default",
			status:        509,
			wantBackoff:   modules.DefaultOverquotaBackoff,
			wantOverquota: true,
		},
		{
			name:        "429 rate limited",
			status:      429,
			wantBackoff: modules.RateLimitedBackoff,
		},
		{
			name:        "404 expired url needs refresh",
			status:      404,
			wantRefresh: true,
		},
		{
			name:         "403 triggers raid recovery",
			status:       403,
			raid:         true,
			wantRecovery: true,
		},
		{
			name:         "503 raid falls through to recovery",
			status:       503,
			raid:         true,
			wantRecovery: true,
		},
		{
			name:        "503 non-raid backs off",
			status:      503,
			wantBackoff: modules.NonRaidServiceUnavailableBackoff,
		},
		{
			name:        "implicit https upgrade is fatal",
			status:      500,
			contentType: "text/html",
			wantFatal:   modules.ErrEFailed,
		},
		{
			name:      "unknown status is transient",
			status:    500,
			wantFatal: modules.ErrEAgain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := onFailure(tt.status, tt.timeLeft, tt.raid, tt.contentType)
			if got.backoff != tt.wantBackoff {
				t.Errorf("backoff = %v, want %v", got.backoff, tt.wantBackoff)
			}
			if got.overquota != tt.wantOverquota {
				t.Errorf("overquota = %v, want %v", got.overquota, tt.wantOverquota)
			}
			if got.needsURLRefresh != tt.wantRefresh {
				t.Errorf("needsURLRefresh = %v, want %v", got.needsURLRefresh, tt.wantRefresh)
			}
			if got.needsRaidRecovery != tt.wantRecovery {
				t.Errorf("needsRaidRecovery = %v, want %v", got.needsRaidRecovery, tt.wantRecovery)
			}
			if got.fatal != tt.wantFatal {
				t.Errorf("fatal = %v, want %v", got.fatal, tt.wantFatal)
			}
		})
	}
}
