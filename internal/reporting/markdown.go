package reporting

import (
	"fmt"
	"strings"
	"time"

	"solana-settlement/internal/domain"
)

// RenderMarkdown renders a statement as Markdown. Amounts are shown in SOL.
func RenderMarkdown(s *Statement) string {
	var sb strings.Builder
	sess := s.Session

	sb.WriteString(fmt.Sprintf("# Settlement Statement %s\n\n", sess.ID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", s.GeneratedAt.Format(time.RFC3339)))

	sb.WriteString("## Session\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|-------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Mode | %s |\n", sess.Mode))
	sb.WriteString(fmt.Sprintf("| Phase | %s |\n", sess.Phase))
	sb.WriteString(fmt.Sprintf("| Status | %s |\n", sess.Status))
	sb.WriteString(fmt.Sprintf("| Token | %s |\n", sess.Config.TokenMint))
	sb.WriteString(fmt.Sprintf("| Makers | %d |\n", sess.Config.Makers))
	sb.WriteString(fmt.Sprintf("| Budget | %s |\n", domain.LamportsToSOL(sess.Config.SolBudget)))
	sb.WriteString(fmt.Sprintf("| Total Profit | %s |\n", domain.LamportsToSOL(sess.TotalProfit)))
	if sess.FailureReason != "" {
		sb.WriteString(fmt.Sprintf("| Failure | %s |\n", sess.FailureReason))
	}
	sb.WriteString("\n")

	sb.WriteString("## Wallets\n\n")
	if len(s.Wallets) > 0 {
		sb.WriteString("| # | Address | Status | Funded | Volume | Profit | Note |\n")
		sb.WriteString("|---|---------|--------|--------|--------|--------|------|\n")
		for _, w := range s.Wallets {
			profit := "-"
			if w.Profit != nil {
				profit = domain.LamportsToSOL(*w.Profit)
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s | %s |\n",
				w.Index, w.Address, w.Status,
				domain.LamportsToSOL(w.Funded), domain.LamportsToSOL(w.Volume),
				profit, w.FailureReason))
		}
	} else {
		sb.WriteString("No wallets created.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Ledger Totals\n\n")
	if len(s.Totals) > 0 {
		sb.WriteString("| Type | Records | Amount |\n")
		sb.WriteString("|------|---------|--------|\n")
		for _, t := range s.Totals {
			sb.WriteString(fmt.Sprintf("| %s | %d | %s |\n", t.Type, t.Count, domain.LamportsToSOL(t.Amount)))
		}
	} else {
		sb.WriteString("No ledger records.\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Reconciliation\n\n")
	rec := s.Reconciliation
	sb.WriteString(fmt.Sprintf("Ledger collections: %s | Timer profits: %s\n\n",
		domain.LamportsToSOL(rec.LedgerTotal), domain.LamportsToSOL(rec.TimerTotal)))
	if rec.Balanced {
		sb.WriteString("**Balanced.**\n\n")
	} else {
		sb.WriteString("**MISMATCH.** Session requires manual audit.\n\n")
	}

	sb.WriteString("## Distribution\n\n")
	if d := s.Distribution; d != nil {
		sb.WriteString(fmt.Sprintf("Status: %s | Amount: %s | Attempts: %d\n",
			d.Status, domain.LamportsToSOL(d.Amount), d.Attempts))
		if d.Signature != "" {
			sb.WriteString(fmt.Sprintf("\nSignature: %s\n", d.Signature))
		}
		if d.LastError != "" {
			sb.WriteString(fmt.Sprintf("\nLast error: %s\n", d.LastError))
		}
	} else {
		sb.WriteString("Not started.\n")
	}

	return sb.String()
}
