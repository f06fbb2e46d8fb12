package mintd

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"dailymint/core/state"
	"dailymint/core/types"
	"dailymint/native/fees"
	"dailymint/native/subscription"
)

// Directory lists the subscribers that may be due for settlement.
type Directory interface {
	ActiveSubscribers(ctx context.Context) ([]types.Address, error)
}

// StateDirectory reads the active subscriber index straight from ledger state.
type StateDirectory struct {
	Store *state.SubscriptionStore
}

// ActiveSubscribers implements Directory.
func (d StateDirectory) ActiveSubscribers(context.Context) ([]types.Address, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("mintd: state directory not configured")
	}
	return d.Store.ActiveSubscribers()
}

// LedgerReader is the read side of the subscription engine.
type LedgerReader interface {
	Subscription(subscriber types.Address) (*subscription.Subscription, bool, error)
	Accounting() (*subscription.Accounting, error)
}

// Plan is the candidate list and expected total for one batch.
type Plan struct {
	TargetDay   uint64          `json:"target_day"`
	UnitPrice   string          `json:"unit_price"`
	FeeBps      uint32          `json:"fee_bps"`
	Candidates  []types.Address `json:"candidates"`
	Expected    uint64          `json:"expected"`
	Excluded    []PlanExclusion `json:"excluded,omitempty"`
	Fingerprint string          `json:"fingerprint"`
}

// PlanExclusion names a subscriber the planner predicts would be skipped.
type PlanExclusion struct {
	Subscriber types.Address           `json:"subscriber"`
	Reason     subscription.SkipReason `json:"reason"`
}

// Planner computes batch plans off the engine's critical path. Its skip rules
// mirror the engine's, so a plan built against unchanged state reconciles.
type Planner struct {
	directory Directory
	ledger    LedgerReader
	oracle    subscription.PriceOracle
}

// NewPlanner wires a planner.
func NewPlanner(directory Directory, ledger LedgerReader, oracle subscription.PriceOracle) *Planner {
	return &Planner{directory: directory, ledger: ledger, oracle: oracle}
}

// Plan builds the batch for the most recently completed day.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	if p == nil || p.directory == nil || p.ledger == nil || p.oracle == nil {
		return nil, fmt.Errorf("mintd: planner not configured")
	}
	price, currentDay, err := subscription.ReadOracle(ctx, p.oracle)
	if err != nil {
		return nil, fmt.Errorf("mintd: %w", err)
	}
	if currentDay == 0 {
		return nil, subscription.ErrNoCompletedDay
	}
	targetDay := currentDay - 1
	acc, err := p.ledger.Accounting()
	if err != nil {
		return nil, err
	}
	unit, err := fees.UnitCostFor(price, acc.FeeBps)
	if err != nil {
		return nil, err
	}
	subscribers, err := p.directory.ActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("mintd: list subscribers: %w", err)
	}

	plan := &Plan{TargetDay: targetDay, UnitPrice: price.Dec(), FeeBps: acc.FeeBps}
	seen := make(map[types.Address]struct{}, len(subscribers))
	for _, addr := range subscribers {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		sub, ok, err := p.ledger.Subscription(addr)
		if err != nil {
			return nil, err
		}
		reason, eligible, err := classify(sub, ok, targetDay, unit)
		if err != nil {
			return nil, err
		}
		if !eligible {
			plan.Excluded = append(plan.Excluded, PlanExclusion{Subscriber: addr, Reason: reason})
			continue
		}
		plan.Candidates = append(plan.Candidates, addr)
		plan.Expected += uint64(sub.MintPerDay)
	}
	plan.Fingerprint = fingerprint(plan)
	return plan, nil
}

func classify(sub *subscription.Subscription, ok bool, targetDay uint64, unit fees.UnitCost) (subscription.SkipReason, bool, error) {
	if !ok || sub == nil || sub.Balance == nil || sub.Balance.IsZero() {
		return subscription.SkipBalanceZero, false, nil
	}
	cost, _, err := unit.ForUnits(uint64(sub.MintPerDay))
	if err != nil {
		return "", false, err
	}
	if sub.Balance.Lt(cost) {
		return subscription.SkipInsufficientBalance, false, nil
	}
	if sub.SettledThrough(targetDay) {
		return subscription.SkipAlreadySettled, false, nil
	}
	return "", true, nil
}

// fingerprint lets operators confirm two runs submitted the same batch.
func fingerprint(plan *Plan) string {
	hasher := blake3.New(32, nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], plan.TargetDay)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], plan.Expected)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(plan.FeeBps))
	hasher.Write(buf[:])
	if price, err := uint256.FromDecimal(plan.UnitPrice); err == nil {
		b := price.Bytes32()
		hasher.Write(b[:])
	}
	for _, addr := range plan.Candidates {
		hasher.Write(addr[:])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
