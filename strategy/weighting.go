package strategy

import (
	"tbot/logger"
	"tbot/store"
)

// Weights are the adaptive component weights applied when blending
// technical, sentiment and AI inputs.
type Weights struct {
	Technical float64
	Sentiment float64
	AI        float64
}

// defaultWeights applies until enough outcomes accumulate.
var defaultWeights = Weights{Technical: 0.5, Sentiment: 0.2, AI: 0.3}

const weightingMinSamples = 20

// WeightingService derives component weights from historical signal
// outcomes: components that scored high on winning signals earn weight.
type WeightingService struct {
	store *store.Store
	log   logger.Logger
}

// NewWeightingService wires the service.
func NewWeightingService(st *store.Store) *WeightingService {
	return &WeightingService{store: st, log: logger.With("weighting")}
}

// Current returns the active weights, normalized to sum to 1.
func (w *WeightingService) Current() Weights {
	if w.store == nil {
		return defaultWeights
	}
	stats, err := w.store.Performance().WinStats()
	if err != nil {
		w.log.Warnf("win stats unavailable: %v", err)
		return defaultWeights
	}
	if stats.Samples < weightingMinSamples {
		return defaultWeights
	}
	total := stats.TechnicalWin + stats.SentimentWin + stats.AIWin
	if total <= 0 {
		return defaultWeights
	}
	return Weights{
		Technical: stats.TechnicalWin / total,
		Sentiment: stats.SentimentWin / total,
		AI:        stats.AIWin / total,
	}
}
