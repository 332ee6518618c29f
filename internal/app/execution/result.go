package execution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// Detail carries the order parameters of a completed operation.
type Detail struct {
	EntryPrice float64 `json:"entryPrice,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	Venue      string  `json:"venue,omitempty"`
	Leverage   float64 `json:"leverage,omitempty"`
}

// Result is the outcome of an executor entry point.
type Result struct {
	Success  bool                 `json:"success"`
	Symbol   string               `json:"symbol,omitempty"`
	Message  string               `json:"message"`
	Detail   Detail               `json:"detail"`
	Decision *schema.RiskDecision `json:"decision,omitempty"`
	Err      error                `json:"-"`
}

func ok(symbol, message string, detail Detail) Result {
	return Result{Success: true, Symbol: symbol, Message: message, Detail: detail, Decision: nil, Err: nil}
}

// failed renders err into a human-readable result.
func failed(symbol string, err error) Result {
	return Result{Success: false, Symbol: symbol, Message: describe(err), Detail: Detail{}, Decision: nil, Err: err}
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	reason := errs.Reason(err)
	switch errs.KindOf(err) {
	case errs.KindGateRejected:
		return "rejected: " + reason
	case errs.KindLiquidity:
		return "insufficient balance: " + reason
	case errs.KindTransient:
		return "venue unavailable, try again: " + reason
	case errs.KindPermanent:
		return "venue rejected the request: " + reason
	case errs.KindConsistency:
		return "could not verify venue state: " + reason
	case errs.KindProtectionIncomplete:
		return "position opened without full protection: " + reason
	case errs.KindValidation:
		return "invalid request: " + reason
	default:
		return reason
	}
}

// Merge folds sweep results into one summary result.
func Merge(results []Result) Result {
	if len(results) == 0 {
		return ok("", "nothing to do", Detail{})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Symbol < results[j].Symbol })
	success := true
	lines := make([]string, 0, len(results))
	var failures []error
	for _, res := range results {
		mark := "ok"
		if !res.Success {
			success = false
			mark = "failed"
			if res.Err != nil {
				failures = append(failures, res.Err)
			}
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", res.Symbol, mark, res.Message))
	}
	out := Result{Success: success, Symbol: "", Message: strings.Join(lines, "; "), Detail: Detail{}, Decision: nil, Err: nil}
	if len(failures) > 0 {
		out.Err = failures[0]
	}
	return out
}
