package state

import (
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"

	"github.com/shopspring/decimal"
)

// FundingResult is the outcome of one funding epoch for one position.
type FundingResult struct {
	EpochID int64
	// Payment is positive when the holder pays and negative when it receives.
	Payment decimal.Decimal
}

// ApplyFunding charges one funding epoch. Only payments are accumulated into
// CumFundingFee; receipts are reported but moved by the ledger. ok is false
// when the position was already charged for the epoch or is closed.
func ApplyFunding(current *Position, c *event.FundingCharge, params InstrumentParams) (pos *Position, res FundingResult, ok bool) {
	if current.Status == StatusClosed || current.IsFlat() {
		return nil, FundingResult{}, false
	}
	if c.EpochID <= current.LastFundingEpoch {
		return nil, FundingResult{}, false
	}

	payment := fpmath.ComputeFundingPayment(current.SideSign(), c.Rate, c.MarkPrice, current.Quantity, params.ContractSize)

	pos = current.Clone()
	pos.LastFundingEpoch = c.EpochID
	if payment.IsPositive() {
		pos.CumFundingFee = pos.CumFundingFee.Add(payment)
	}
	pos.UpdatedAt = c.Timestamp
	return pos, FundingResult{EpochID: c.EpochID, Payment: payment}, true
}
