package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sablecore/aegis/internal/usage"
)

const backfillBatchSize = 10

// unprocessedLister feeds RunConversationBackfill. It pages over
// conversations that have not yet had their facts extracted.
type unprocessedLister interface {
	ListUnprocessedConversations(ctx context.Context, limit, offset int) ([]string, error)
}

// RunConversationBackfill performs the event-triggered paginated
// extraction job: batches of backfillBatchSize, a 3s inter-batch sleep,
// re-checking the halt flag between batches.
func (s *Scheduler) RunConversationBackfill(ctx context.Context, lister unprocessedLister) (int, error) {
	total := 0
	offset := 0
	for {
		if s.halted.Load() {
			return total, nil
		}
		ids, err := lister.ListUnprocessedConversations(ctx, backfillBatchSize, offset)
		if err != nil {
			return total, fmt.Errorf("scheduler: list unprocessed conversations: %w", err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		for _, id := range ids {
			params, _ := json.Marshal(map[string]any{"conversation_id": id})
			if _, err := s.tools.Execute(ctx, "backfill_extract_facts", params); err != nil {
				s.logger.Warn("scheduler: backfill extraction failed", "conversation_id", id, "error", err)
				continue
			}
			total++
		}
		offset += len(ids)
		if len(ids) < backfillBatchSize {
			return total, nil
		}

		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

// RunWeeklySynthesis consolidates facts via the memory collaborator's
// synthesize-facts tool and emits a summary notification.
func (s *Scheduler) RunWeeklySynthesis(ctx context.Context, agentID string) error {
	params, _ := json.Marshal(map[string]any{"agent_id": agentID})
	result, err := s.tools.Execute(ctx, "synthesize_facts", params)
	if err != nil {
		return fmt.Errorf("scheduler: synthesize facts: %w", err)
	}
	summary := ""
	if result != nil {
		summary = result.Content
	}
	s.notifyf(ctx, "weekly fact synthesis for %q: %s", agentID, summary)
	return nil
}

// DiagnosticCheck is one named issue probe for the periodic health report.
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context) (issue string, ok bool)
}

// healthReport is the persisted diagnostics snapshot, compared against the
// next run to detect newly introduced or newly resolved issues.
type healthReport struct {
	Issues      []string                `json:"issues"`
	CheckedAt   time.Time               `json:"checked_at"`
	UsageTotals map[string]*usage.Usage `json:"usage_totals,omitempty"`
}

// RunHealthReport executes every diagnostic check, diffs the resulting
// issue set against the previously stored report, and alerts only on
// transitions (new issue appears, or a previously reported issue clears).
func (s *Scheduler) RunHealthReport(ctx context.Context, checks []DiagnosticCheck) error {
	var issues []string
	for _, c := range checks {
		if issue, ok := c.Check(ctx); !ok {
			issues = append(issues, fmt.Sprintf("%s: %s", c.Name, issue))
		}
	}
	sort.Strings(issues)

	path := s.healthReportPath()
	prev := readHealthReport(path)
	prevSet := make(map[string]bool, len(prev.Issues))
	for _, i := range prev.Issues {
		prevSet[i] = true
	}
	currSet := make(map[string]bool, len(issues))
	for _, i := range issues {
		currSet[i] = true
	}

	for _, i := range issues {
		if !prevSet[i] {
			s.notifyf(ctx, "health report: new issue: %s", i)
		}
	}
	for _, i := range prev.Issues {
		if !currSet[i] {
			s.notifyf(ctx, "health report: resolved: %s", i)
		}
	}

	var totals map[string]*usage.Usage
	if s.usageSnapshot != nil {
		totals = s.usageSnapshot()
	}

	writeHealthReport(path, healthReport{Issues: issues, CheckedAt: s.now(), UsageTotals: totals})
	return nil
}

func (s *Scheduler) healthReportPath() string {
	base := s.cfg.HealthStatePath
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "health-report.json")
}

func readHealthReport(path string) healthReport {
	data, err := os.ReadFile(path)
	if err != nil {
		return healthReport{}
	}
	var r healthReport
	if err := json.Unmarshal(data, &r); err != nil {
		return healthReport{}
	}
	return r
}

func writeHealthReport(path string, r healthReport) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
