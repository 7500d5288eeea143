package reporting

import (
	"fmt"
	"strings"
	"time"

	"solana-settlement/internal/domain"
)

// RenderLedgerCSV renders ledger records as CSV in the given order.
// Addresses, signatures and ids are base58 or uuid, so no field needs quoting.
func RenderLedgerCSV(records []*domain.TransactionRecord) string {
	var sb strings.Builder

	sb.WriteString("id,session_id,type,amount_lamports,amount_sol,from,to,wallet_index,signature,timestamp\n")

	for _, r := range records {
		idx := ""
		if r.WalletIndex != nil {
			idx = fmt.Sprintf("%d", *r.WalletIndex)
		}
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%d,%s,%s,%s,%s,%s,%s\n",
			r.ID,
			r.SessionID,
			r.Type,
			r.Amount,
			domain.LamportsToSOL(r.Amount),
			r.From,
			r.To,
			idx,
			r.Signature,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
		))
	}

	return sb.String()
}
