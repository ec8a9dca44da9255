package domain

import "time"

type QualityCategory string

const (
	QualityExcellent QualityCategory = "excellent"
	QualityGood      QualityCategory = "good"
	QualityFair      QualityCategory = "fair"
	QualityPoor      QualityCategory = "poor"
	QualityCritical  QualityCategory = "critical"
	QualityUnknown   QualityCategory = "unknown"
)

type qualityStep struct {
	below    time.Duration
	score    float64
	category QualityCategory
}

var qualitySteps = []qualityStep{
	{100 * time.Millisecond, 1.0, QualityExcellent},
	{200 * time.Millisecond, 0.8, QualityGood},
	{300 * time.Millisecond, 0.6, QualityGood},
	{500 * time.Millisecond, 0.4, QualityFair},
	{1000 * time.Millisecond, 0.2, QualityPoor},
}

// ScoreLatency maps a round-trip latency to a score and category.
func ScoreLatency(latency time.Duration) (float64, QualityCategory) {
	for _, s := range qualitySteps {
		if latency < s.below {
			return s.score, s.category
		}
	}
	return 0.1, QualityCritical
}

// QualitySample is the latest probe result for one peer.
type QualitySample struct {
	PeerID    ConnID          `json:"peerId"`
	Score     float64         `json:"score"`
	Category  QualityCategory `json:"category"`
	LatencyMs int64           `json:"latencyMs"`
	JitterMs  int64           `json:"jitterMs"`
	Timestamp time.Time       `json:"timestamp"`
}
