package reputation

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"hardbound/native/multifed"
)

// Tier buckets a reputation score for quick categorisation.
type Tier string

const (
	TierUnknown     Tier = "unknown"
	TierEmerging    Tier = "emerging"
	TierEstablished Tier = "established"
	TierTrusted     Tier = "trusted"
	TierExemplary   Tier = "exemplary"
)

// tierThresholds maps each tier to its minimum score, ascending.
var tierThresholds = []struct {
	tier Tier
	min  float64
}{
	{TierUnknown, 0.0},
	{TierEmerging, 0.2},
	{TierEstablished, 0.4},
	{TierTrusted, 0.6},
	{TierExemplary, 0.8},
}

// Score is the comprehensive reputation result for one federation.
type Score struct {
	FederationID string `json:"federation_id"`

	GlobalReputation float64 `json:"global_reputation"`
	Tier             Tier    `json:"tier"`

	IncomingTrustSum      float64 `json:"incoming_trust_sum"`
	IncomingTrustCount    int     `json:"incoming_trust_count"`
	PresenceWeightedTrust float64 `json:"presence_weighted_trust"`
	OutgoingTrustSum      float64 `json:"outgoing_trust_sum"`

	TrustRatio        float64 `json:"trust_ratio"`
	NetworkCentrality float64 `json:"network_centrality"`

	ReputationAgeDays   int     `json:"reputation_age_days"`
	RecentActivityScore float64 `json:"recent_activity_score"`

	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sample_size"`

	Timestamp string `json:"timestamp"`
}

// Event feeds the recent-activity component and invalidates the cache for
// its federation.
type Event struct {
	EventID          string  `json:"event_id"`
	FederationID     string  `json:"federation_id"`
	EventType        string  `json:"event_type"`
	Magnitude        float64 `json:"magnitude"`
	SourceFederation string  `json:"source_federation,omitempty"`
	Timestamp        string  `json:"timestamp"`
}

// PresenceProvider supplies presence scores for trust sources; trust from
// high-presence federations counts more. Optional.
type PresenceProvider interface {
	PresenceScore(federationID string) (float64, bool)
}

const (
	cacheTTL            = 5 * time.Minute
	activityWindowDays  = 30
	defaultPresence     = 0.5
	smallSampleDampen   = 0.7
	mediumSampleDampen  = 0.85
	highConfidenceEdges = 5
)

// Aggregator lifts pairwise inter-federation trust into a global score.
type Aggregator struct {
	registry *multifed.Registry
	presence PresenceProvider

	mu     sync.Mutex
	cache  map[string]*Score
	events []Event
	now    func() time.Time
}

// NewAggregator builds an aggregator over the multi-federation registry. The
// presence provider may be nil.
func NewAggregator(registry *multifed.Registry, presence PresenceProvider) *Aggregator {
	return &Aggregator{
		registry: registry,
		presence: presence,
		cache:    make(map[string]*Score),
		now:      time.Now,
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// RecordEvent registers an activity event and invalidates the affected
// federation's cached score.
func (a *Aggregator) RecordEvent(federationID, eventType string, magnitude float64, sourceFederation string) Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	event := Event{
		EventID:          fmt.Sprintf("repevt:%d", len(a.events)+1),
		FederationID:     federationID,
		EventType:        eventType,
		Magnitude:        magnitude,
		SourceFederation: sourceFederation,
		Timestamp:        a.now().UTC().Format(time.RFC3339Nano),
	}
	a.events = append(a.events, event)
	delete(a.cache, federationID)
	return event
}

// CalculateReputation computes (or serves from cache) the reputation for one
// federation.
func (a *Aggregator) CalculateReputation(federationID string, forceRefresh bool) (*Score, error) {
	a.mu.Lock()
	if !forceRefresh {
		if cached, ok := a.cache[federationID]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, cached.Timestamp); err == nil {
				if a.now().UTC().Sub(ts) < cacheTTL {
					a.mu.Unlock()
					return cached, nil
				}
			}
		}
	}
	now := a.now().UTC()
	recentActivity := a.recentActivityLocked(federationID, now)
	a.mu.Unlock()

	edges, err := a.registry.AllTrustEdges()
	if err != nil {
		return nil, err
	}

	var incoming, outgoing []*multifed.Trust
	nodes := make(map[string]struct{})
	for _, edge := range edges {
		nodes[edge.SourceFederationID] = struct{}{}
		nodes[edge.TargetFederationID] = struct{}{}
		if edge.TargetFederationID == federationID {
			incoming = append(incoming, edge)
		}
		if edge.SourceFederationID == federationID {
			outgoing = append(outgoing, edge)
		}
	}

	score := &Score{
		FederationID:        federationID,
		IncomingTrustCount:  len(incoming),
		RecentActivityScore: recentActivity,
		Timestamp:           now.Format(time.RFC3339Nano),
	}
	for _, edge := range incoming {
		score.IncomingTrustSum += edge.TrustScore
	}
	for _, edge := range outgoing {
		score.OutgoingTrustSum += edge.TrustScore
	}
	score.SampleSize = len(incoming) + len(outgoing)
	score.PresenceWeightedTrust = a.presenceWeightedTrust(incoming)

	if total := len(nodes); total > 1 {
		score.NetworkCentrality = float64(len(incoming)+len(outgoing)) / float64(2*(total-1))
	}
	if score.OutgoingTrustSum > 0 {
		score.TrustRatio = score.IncomingTrustSum / score.OutgoingTrustSum
	} else if score.IncomingTrustSum > 0 {
		score.TrustRatio = score.IncomingTrustSum
	} else {
		score.TrustRatio = 1
	}
	score.ReputationAgeDays = reputationAgeDays(append(incoming, outgoing...), now)

	score.GlobalReputation = globalReputation(
		score.PresenceWeightedTrust,
		score.NetworkCentrality,
		score.TrustRatio,
		recentActivity,
		len(incoming),
	)
	score.Tier = tierFor(score.GlobalReputation, score.SampleSize)
	score.Confidence = confidence(score.SampleSize)

	a.mu.Lock()
	a.cache[federationID] = score
	a.mu.Unlock()
	return score, nil
}

func (a *Aggregator) presenceWeightedTrust(incoming []*multifed.Trust) float64 {
	if len(incoming) == 0 {
		return 0
	}
	weightedSum := 0.0
	weightTotal := 0.0
	for _, edge := range incoming {
		presence := defaultPresence
		if a.presence != nil {
			if p, ok := a.presence.PresenceScore(edge.SourceFederationID); ok {
				presence = p
			}
		}
		// Presence maps to a weight in [0.5, 1.0].
		weight := 0.5 + presence*0.5
		weightedSum += edge.TrustScore * weight
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

func (a *Aggregator) recentActivityLocked(federationID string, now time.Time) float64 {
	cutoff := now.AddDate(0, 0, -activityWindowDays)
	count := 0
	for _, event := range a.events {
		if event.FederationID != federationID {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, event.Timestamp); err == nil && ts.After(cutoff) {
			count++
		}
	}
	if count == 0 {
		return 0.3
	}
	return math.Min(1, float64(count)*0.1+0.3)
}

// globalReputation combines the components: 50% presence-weighted trust, 20%
// centrality, 20% capped trust ratio, 10% recent activity, dampened for thin
// samples.
func globalReputation(presenceWeighted, centrality, trustRatio, recentActivity float64, incomingCount int) float64 {
	cappedRatio := math.Min(2, trustRatio) / 2
	base := presenceWeighted*0.50 + centrality*0.20 + cappedRatio*0.20 + recentActivity*0.10
	switch {
	case incomingCount == 0:
		return 0
	case incomingCount < 3:
		base *= smallSampleDampen
	case incomingCount < 5:
		base *= mediumSampleDampen
	}
	return math.Min(1, base)
}

func tierFor(reputation float64, sampleSize int) Tier {
	if sampleSize == 0 {
		return TierUnknown
	}
	tier := TierUnknown
	for _, step := range tierThresholds {
		if reputation >= step.min {
			tier = step.tier
		}
	}
	return tier
}

func confidence(sampleSize int) float64 {
	switch {
	case sampleSize == 0:
		return 0
	case sampleSize < 3:
		return 0.3
	case sampleSize < highConfidenceEdges:
		return 0.5 + float64(sampleSize-3)*0.1
	default:
		return math.Min(1, 0.7+float64(sampleSize-highConfidenceEdges)*0.05)
	}
}

func reputationAgeDays(edges []*multifed.Trust, now time.Time) int {
	var oldest *time.Time
	for _, edge := range edges {
		if edge.EstablishedAt == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, edge.EstablishedAt)
		if err != nil {
			continue
		}
		if oldest == nil || ts.Before(*oldest) {
			oldest = &ts
		}
	}
	if oldest == nil {
		return 0
	}
	return int(now.Sub(*oldest).Hours() / 24)
}

// Ranking returns the top federations by global reputation.
func (a *Aggregator) Ranking(limit int) ([]*Score, error) {
	ids, err := a.registry.ActiveFederationIDs()
	if err != nil {
		return nil, err
	}
	scores := make([]*Score, 0, len(ids))
	for _, id := range ids {
		score, err := a.CalculateReputation(id, false)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].GlobalReputation != scores[j].GlobalReputation {
			return scores[i].GlobalReputation > scores[j].GlobalReputation
		}
		return scores[i].FederationID < scores[j].FederationID
	})
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}

// TierDistribution counts federations per tier.
func (a *Aggregator) TierDistribution() (map[Tier]int, error) {
	ids, err := a.registry.ActiveFederationIDs()
	if err != nil {
		return nil, err
	}
	distribution := map[Tier]int{
		TierUnknown: 0, TierEmerging: 0, TierEstablished: 0, TierTrusted: 0, TierExemplary: 0,
	}
	for _, id := range ids {
		score, err := a.CalculateReputation(id, false)
		if err != nil {
			return nil, err
		}
		distribution[score.Tier]++
	}
	return distribution, nil
}
