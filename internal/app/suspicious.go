package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bailops/api/internal/metrics"
)

// Finding types emitted by the detector.
const (
	FindingMultipleIPs   = "multiple_ips"
	FindingRapidSessions = "rapid_sessions"
)

// Finding is one suspicious-activity observation. Informational only;
// callers decide whether to act on it.
type Finding struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

// SuspiciousDetector scans a user's live session index for anomalies. It
// is read-only and never invalidates sessions itself.
type SuspiciousDetector struct {
	store         SessionStore
	maxDistinctIP int
	rapidSessions int
	rapidWindow   time.Duration
}

// NewSuspiciousDetector creates a detector with the given thresholds.
func NewSuspiciousDetector(store SessionStore, maxDistinctIP, rapidSessions int, rapidWindow time.Duration) *SuspiciousDetector {
	return &SuspiciousDetector{
		store:         store,
		maxDistinctIP: maxDistinctIP,
		rapidSessions: rapidSessions,
		rapidWindow:   rapidWindow,
	}
}

// Check computes findings over the user's current sessions.
func (d *SuspiciousDetector) Check(ctx context.Context, userID string) ([]Finding, error) {
	recs, err := d.store.All(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("suspicious check: %w", err)
	}

	var findings []Finding

	ips := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		ips[rec.IPAddress] = struct{}{}
	}
	if len(ips) >= d.maxDistinctIP {
		findings = append(findings, Finding{
			Type:    FindingMultipleIPs,
			Message: "Multiple concurrent sessions from different locations",
			Evidence: map[string]string{
				"distinct_ips": fmt.Sprintf("%d", len(ips)),
			},
		})
	}

	cutoff := time.Now().Add(-d.rapidWindow)
	recent := 0
	for _, rec := range recs {
		if rec.LoginTime.After(cutoff) {
			recent++
		}
	}
	if recent >= d.rapidSessions {
		findings = append(findings, Finding{
			Type:    FindingRapidSessions,
			Message: "Rapid session creation detected",
			Evidence: map[string]string{
				"recent_sessions": fmt.Sprintf("%d", recent),
				"window":          d.rapidWindow.String(),
			},
		})
	}

	for _, f := range findings {
		metrics.SuspiciousFindingsTotal.WithLabelValues(f.Type).Inc()
	}

	return findings, nil
}
