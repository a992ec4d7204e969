package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/arbiter/pkg/schema"
)

// RemediationPayload augments a task payload with the failing gates
// from a rejected verdict, so the next routing attempt's worker knows
// what to fix.
func RemediationPayload(payload string, verdict *schema.VerdictV1) string {
	if verdict == nil || verdict.Outcome != schema.OutcomeReject {
		return payload
	}

	var sb strings.Builder
	sb.WriteString(payload)
	sb.WriteString("\n\nA previous attempt at this task was rejected by the following quality gates:\n")

	for _, r := range verdict.GateResults {
		if r.Passed {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: measured %.2f against threshold %.2f\n", r.Name, r.Measured, r.Threshold))
		if r.Hint != "" {
			sb.WriteString(fmt.Sprintf("  Remediation: %s\n", r.Hint))
		}
	}

	if len(verdict.RemediationHints) > 0 {
		sb.WriteString("\nAddress every issue above before returning the result.\n")
	}

	return sb.String()
}
