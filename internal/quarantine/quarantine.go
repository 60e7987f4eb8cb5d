// Package quarantine turns security reports against knowledge units into a
// flagged / quarantined / cleared status and resolves reported units.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/kpregistry/internal/logging"
	"github.com/davidahmann/kpregistry/internal/store"
)

const (
	DefaultThreshold = 3
	ReportIDPrefix   = "kp:sr:"
)

var (
	ErrInvalidVerdict  = errors.New("verdict must be keep or remove")
	ErrMissingReporter = errors.New("reporter is required")
)

type Verdict string

const (
	VerdictKeep   Verdict = "keep"
	VerdictRemove Verdict = "remove"
)

// StatusFor maps a report count to a status. Zero reports means no status.
func StatusFor(count, threshold int) store.QuarantineStatus {
	switch {
	case count <= 0:
		return store.StatusNone
	case count >= threshold:
		return store.StatusQuarantined
	default:
		return store.StatusFlagged
	}
}

type Manager struct {
	Reports   store.SecurityReportStore
	Units     store.KnowledgeStore
	Threshold int
	Now       func() time.Time
}

type Outcome struct {
	Report    store.SecurityReport   `json:"report"`
	Count     int                    `json:"report_count"`
	Threshold int                    `json:"threshold"`
	Status    store.QuarantineStatus `json:"status"`
}

type Resolution struct {
	UnitID   string  `json:"unit_id"`
	Verdict  Verdict `json:"verdict"`
	Resolved bool    `json:"resolved"`
	Purged   int     `json:"reports_purged"`
}

func (m *Manager) threshold() int {
	if m.Threshold > 0 {
		return m.Threshold
	}
	return DefaultThreshold
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Report files reporterID's report against unitID. A repeat report from the
// same reporter replaces the reason and does not add to the count.
func (m *Manager) Report(ctx context.Context, unitID, reporterID, reason string) (Outcome, error) {
	if strings.TrimSpace(reporterID) == "" {
		return Outcome{}, ErrMissingReporter
	}
	if _, err := m.Units.GetUnit(ctx, unitID); err != nil {
		return Outcome{}, fmt.Errorf("get unit %s: %w", unitID, err)
	}

	report, err := m.Reports.PutReport(ctx, store.SecurityReport{
		ID:         ReportIDPrefix + uuid.NewString(),
		UnitID:     unitID,
		ReporterID: reporterID,
		Reason:     reason,
		CreatedAt:  m.now(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("put report: %w", err)
	}
	count, err := m.Reports.CountReports(ctx, unitID)
	if err != nil {
		return Outcome{}, fmt.Errorf("count reports: %w", err)
	}

	threshold := m.threshold()
	status := StatusFor(count, threshold)
	if err := m.Units.SetQuarantineStatus(ctx, unitID, status); err != nil {
		return Outcome{}, fmt.Errorf("set quarantine status: %w", err)
	}
	if status == store.StatusQuarantined {
		logging.Warn(ctx, "knowledge unit quarantined",
			slog.String("unit_id", unitID),
			slog.Int("report_count", count),
		)
	}
	return Outcome{Report: report, Count: count, Threshold: threshold, Status: status}, nil
}

// Resolve applies an admin verdict. keep clears the unit, remove deletes it;
// both purge its reports. A unit without reports is left alone.
func (m *Manager) Resolve(ctx context.Context, unitID string, verdict Verdict) (Resolution, error) {
	if verdict != VerdictKeep && verdict != VerdictRemove {
		return Resolution{}, ErrInvalidVerdict
	}
	res := Resolution{UnitID: unitID, Verdict: verdict}

	count, err := m.Reports.CountReports(ctx, unitID)
	if err != nil {
		return Resolution{}, fmt.Errorf("count reports: %w", err)
	}
	if count == 0 {
		return res, nil
	}

	if verdict == VerdictKeep {
		err = m.Units.SetQuarantineStatus(ctx, unitID, store.StatusCleared)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Resolution{}, fmt.Errorf("apply verdict %s: %w", verdict, err)
		}
	}

	// Reports go first: deleting the unit drops them as well.
	purged, err := m.Reports.DeleteReports(ctx, unitID)
	if err != nil {
		return Resolution{}, fmt.Errorf("purge reports: %w", err)
	}
	if verdict == VerdictRemove {
		if _, err := m.Units.DeleteUnit(ctx, unitID); err != nil {
			return Resolution{}, fmt.Errorf("apply verdict %s: %w", verdict, err)
		}
	}
	res.Resolved = true
	res.Purged = purged
	logging.Info(ctx, "quarantine resolved",
		slog.String("unit_id", unitID),
		slog.String("verdict", string(verdict)),
		slog.Int("reports_purged", purged),
	)
	return res, nil
}

// List returns every unit with at least one report.
func (m *Manager) List(ctx context.Context) ([]store.ReportedUnit, error) {
	return m.Reports.ReportedUnits(ctx)
}
