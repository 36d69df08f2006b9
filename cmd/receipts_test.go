// cmd/receipts_test.go
package cmd

import (
	"testing"
	"time"
)

func TestGapString(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		cur   time.Time
		older time.Time
		want  string
	}{
		{"whole seconds", base.Add(42 * time.Second), base, "42s"},
		{"sub-second truncated", base.Add(1500 * time.Millisecond), base, "1s"},
		{"minutes and seconds", base.Add(3*time.Minute + 7*time.Second), base, "3m7s"},
		{"same instant", base, base, "0s"},
		{"clock skew clamps to zero", base, base.Add(2 * time.Second), "0s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := gapString(tc.cur, tc.older); got != tc.want {
				t.Fatalf("gapString() = %q, want %q", got, tc.want)
			}
		})
	}
}
