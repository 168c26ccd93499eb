// Package router scores known peers as next-hops for mesh forwarding
// and selects the top-K candidates for a given forward, excluding the
// message's origin, the node it arrived from, and any node already in
// its traversed path (loop prevention). Grounded on
// internal/daemon/connman.go's peer-ranking shape, adapted from
// PEX-candidate ranking to a four-factor scorer.
package router

import (
	"sort"
	"sync"
)

// Weights are the scorer's linear combination factors, summing to 1.0.
// Reliability and latency dominate as the primary forwarding signals,
// while uptime and history provide secondary tie-breaking.
type Weights struct {
	Latency     float64
	Uptime      float64
	Reliability float64
	History     float64
}

func DefaultWeights() Weights {
	return Weights{Latency: 0.30, Uptime: 0.15, Reliability: 0.30, History: 0.25}
}

// emaCarryover is the weight given to a peer's previous smoothed score
// versus the freshly computed base score ("score = 0.70 *
// prev + 0.30 * base").
const (
	emaCarryover = 0.70
	emaFresh     = 0.30
)

// uptimeTargetSeconds is the uptime value that saturates uptime_score
// at 1.0.
const uptimeTargetSeconds = 3600

// Candidate is the router's view of one forwarding-eligible peer.
type Candidate struct {
	NodeID      string
	LatencyMS   float64
	HasLatency  bool
	UptimeSec   int64
	PingSuccess uint64
	PingTotal   uint64
	ForwardOK   uint64
	ForwardFail uint64
}

func (c Candidate) reliabilityScore() float64 {
	if c.PingTotal == 0 {
		return 1.0
	}
	return float64(c.PingSuccess) / float64(c.PingTotal)
}

// historyScore never reaches 1.0 for any finite number of observed
// forwards, and is 0 (not 1.0) for a peer with no history yet, so a
// brand-new peer must earn trust through actual successful forwards
// rather than starting optimistically.
func (c Candidate) historyScore() float64 {
	return float64(c.ForwardOK) / float64(c.ForwardOK+c.ForwardFail+1)
}

func (c Candidate) uptimeScore() float64 {
	if c.UptimeSec <= 0 {
		return 0
	}
	if c.UptimeSec >= uptimeTargetSeconds {
		return 1.0
	}
	return float64(c.UptimeSec) / float64(uptimeTargetSeconds)
}

// latencyTargetMillis is the latency at and beyond which latencyScore
// bottoms out at 0.
const latencyTargetMillis = 1000.0

func (c Candidate) latencyScore() float64 {
	if !c.HasLatency || c.LatencyMS <= 0 {
		return 0.5 // unknown latency: neutral, neither penalized nor favored
	}
	lat := c.LatencyMS
	if lat > latencyTargetMillis {
		lat = latencyTargetMillis
	}
	score := 1.0 - lat/latencyTargetMillis
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (c Candidate) baseScore(w Weights) float64 {
	return w.Latency*c.latencyScore() +
		w.Uptime*c.uptimeScore() +
		w.Reliability*c.reliabilityScore() +
		w.History*c.historyScore()
}

// Scorer tracks each peer's EWMA-smoothed forwarding score across
// rounds so a single bad sample doesn't cause route flapping.
type Scorer struct {
	mu      sync.Mutex
	weights Weights
	prev    map[string]float64
}

func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w, prev: make(map[string]float64)}
}

// Score computes and records the smoothed score for one candidate.
func (s *Scorer) Score(c Candidate) float64 {
	base := c.baseScore(s.weights)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.prev[c.NodeID]
	var score float64
	if !ok {
		score = base
	} else {
		score = emaCarryover*prev + emaFresh*base
	}
	s.prev[c.NodeID] = score
	return score
}

// Scored pairs a candidate with its computed score for ranking.
type Scored struct {
	Candidate Candidate
	Score     float64
}

// SelectTopK scores every eligible candidate and returns the k
// highest-scoring ones, highest first. Ties are broken by greater
// uptime_score, then by lexicographically smaller node_id, so the
// ordering is deterministic across nodes scoring the same candidate
// set. exclude lists node_ids that must never be chosen: the message's
// origin, the peer it just arrived from, and everything already in its
// traversal path (loop prevention).
func (s *Scorer) SelectTopK(candidates []Candidate, k int, exclude map[string]bool) []Scored {
	eligible := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if exclude[c.NodeID] {
			continue
		}
		eligible = append(eligible, Scored{Candidate: c, Score: s.Score(c)})
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		ui, uj := eligible[i].Candidate.uptimeScore(), eligible[j].Candidate.uptimeScore()
		if ui != uj {
			return ui > uj
		}
		return eligible[i].Candidate.NodeID < eligible[j].Candidate.NodeID
	})
	if k > 0 && len(eligible) > k {
		eligible = eligible[:k]
	}
	return eligible
}
