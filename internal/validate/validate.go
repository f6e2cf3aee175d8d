// Package validate decides whether a ledger transaction pays an order.
package validate

import (
	"github.com/gagliardetto/solana-go"

	"payrecon/internal/chain"
	"payrecon/internal/common/money"
)

// Reason explains why a candidate transaction was rejected.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonTransactionFailed Reason = "transaction_failed"
	ReasonRecipientMismatch Reason = "recipient_mismatch"
	ReasonAmountMismatch    Reason = "amount_mismatch"
	ReasonReferenceAbsent   Reason = "reference_absent"
	ReasonMemoMismatch      Reason = "memo_mismatch"
	ReasonNotYetConfirmed   Reason = "not_yet_confirmed"
	ReasonLookupFailed      Reason = "lookup_failed"
	// ReasonPaidAfterExpiry is not produced by Transfer; callers that
	// enforce the order deadline report a late but otherwise valid match.
	ReasonPaidAfterExpiry   Reason = "paid_after_expiry"
)

// Expected is what the order requires of a paying transaction.
type Expected struct {
	Recipient solana.PublicKey
	Amount    money.Money
	Reference solana.PublicKey
	// Memo is required verbatim when non-empty.
	Memo string
}

// Result is the outcome of validating one transaction.
type Result struct {
	Matched  bool
	Reason   Reason
	Transfer *chain.Transfer
}

func reject(r Reason) Result { return Result{Reason: r} }

// Transfer checks detail against exp. A transaction matches only if it
// succeeded, one of its system transfers sends exactly exp.Amount to
// exp.Recipient with exp.Reference attached, the memo matches, and it has
// reached min commitment. Checks run in that order and the first failure
// is reported.
func Transfer(detail *chain.TransactionDetail, exp Expected, min chain.Commitment) Result {
	if detail == nil {
		return reject(ReasonLookupFailed)
	}
	if detail.Failed {
		return reject(ReasonTransactionFailed)
	}
	if exp.Amount.Currency != money.SOL || !exp.Amount.IsPositive() {
		return reject(ReasonAmountMismatch)
	}
	want := uint64(exp.Amount.AmountMinor)

	var toRecipient, exact []chain.Transfer
	for _, t := range detail.Transfers {
		if !t.Destination.Equals(exp.Recipient) {
			continue
		}
		toRecipient = append(toRecipient, t)
		if t.Lamports == want {
			exact = append(exact, t)
		}
	}
	if len(toRecipient) == 0 {
		return reject(ReasonRecipientMismatch)
	}
	if len(exact) == 0 {
		return reject(ReasonAmountMismatch)
	}

	var matched *chain.Transfer
	for i := range exact {
		if exact[i].HasKey(exp.Reference) {
			matched = &exact[i]
			break
		}
	}
	if matched == nil {
		return reject(ReasonReferenceAbsent)
	}

	if exp.Memo != "" && !hasMemo(detail.Memos, exp.Memo) {
		return reject(ReasonMemoMismatch)
	}

	if !detail.Commitment.AtLeast(min) {
		return reject(ReasonNotYetConfirmed)
	}

	return Result{Matched: true, Transfer: matched}
}

func hasMemo(memos []string, want string) bool {
	for _, m := range memos {
		if m == want {
			return true
		}
	}
	return false
}
