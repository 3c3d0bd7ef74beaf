package heartbeat

import (
	"fmt"
	"math"
)

// healthWindow bounds how many recent blocks the health report analyses.
const healthWindow = 50

// MetabolicHealth computes the composite health report over the most recent
// blocks: heartbeat regularity, energy efficiency, transaction density, and
// state stability, combined into a single reliability score.
func (l *Ledger) MetabolicHealth() (*Health, error) {
	blocks, err := l.Blocks()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	state := l.state
	enteredAt := l.stateEnteredAt
	now := l.now().UTC()
	l.mu.Unlock()

	if len(blocks) == 0 {
		return &Health{State: state}, nil
	}
	if len(blocks) > healthWindow {
		blocks = blocks[len(blocks)-healthWindow:]
	}

	// Regularity: intervals near the expected cadence score 1.0; deviation is
	// penalised exponentially in log-ratio space so 2x-late and 2x-early are
	// equally suspect.
	regularitySum, regularityCount := 0.0, 0
	totalEnergy, totalTime := 0.0, 0.0
	totalTxns := 0
	for _, b := range blocks {
		if b.ExpectedInterval > 0 {
			ratio := b.HeartbeatInterval / b.ExpectedInterval
			if ratio < 0.01 {
				ratio = 0.01
			}
			regularitySum += math.Exp(-math.Abs(math.Log(ratio)))
			regularityCount++
		}
		totalEnergy += b.EnergyCost
		totalTime += b.HeartbeatInterval
		totalTxns += b.TxCount
	}

	regularity := 0.0
	if regularityCount > 0 {
		regularity = regularitySum / float64(regularityCount)
	}

	// Efficiency: spend below the full-active baseline is good.
	expectedEnergy := totalTime * 0.01
	efficiency := math.Min(1, expectedEnergy/math.Max(totalEnergy, 0.001))

	density := float64(totalTxns) / float64(len(blocks))

	stability := math.Min(1, now.Sub(enteredAt).Seconds()/86400)

	reliability := regularity*0.35 + efficiency*0.25 + math.Min(1, density/10)*0.20 + stability*0.20

	return &Health{
		State:               state,
		HeartbeatRegularity: regularity,
		EnergyEfficiency:    efficiency,
		TransactionDensity:  density,
		StateStability:      stability,
		Reliability:         reliability,
		BlocksAnalyzed:      len(blocks),
		TotalTransactions:   totalTxns,
		TotalEnergySpent:    totalEnergy,
	}, nil
}

// TimelineEntry is a compact block summary for dashboards.
type TimelineEntry struct {
	BlockNumber int64          `json:"block_number"`
	Timestamp   string         `json:"timestamp"`
	State       MetabolicState `json:"state"`
	TxCount     int            `json:"tx_count"`
	Interval    float64        `json:"interval"`
	Expected    float64        `json:"expected"`
	Energy      float64        `json:"energy"`
	Hash        string         `json:"hash"`
}

// BlockTimeline summarises the most recent blocks, oldest first.
func (l *Ledger) BlockTimeline(limit int) ([]TimelineEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("timeline limit must be positive: %d", limit)
	}
	blocks, err := l.Blocks()
	if err != nil {
		return nil, err
	}
	if len(blocks) > limit {
		blocks = blocks[len(blocks)-limit:]
	}
	entries := make([]TimelineEntry, 0, len(blocks))
	for _, b := range blocks {
		hash := b.BlockHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		entries = append(entries, TimelineEntry{
			BlockNumber: b.BlockNumber,
			Timestamp:   b.Timestamp,
			State:       b.MetabolicState,
			TxCount:     b.TxCount,
			Interval:    b.HeartbeatInterval,
			Expected:    b.ExpectedInterval,
			Energy:      b.EnergyCost,
			Hash:        hash,
		})
	}
	return entries, nil
}
