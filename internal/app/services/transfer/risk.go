package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Scorer rates a transfer between 0 (benign) and 1 (certainly abusive).
type Scorer interface {
	Score(ctx context.Context, from, to string, amount float64) (float64, error)
}

// DefaultRiskThreshold is the score above which a transfer is rejected.
const DefaultRiskThreshold = 0.65

// RiskPolicy gates transfers on an external risk scorer. FailOpen decides
// what happens when the scorer itself is unreachable: allow the transfer
// or reject it.
type RiskPolicy struct {
	Enabled   bool
	FailOpen  bool
	Threshold float64

	scorer Scorer
	log    *logger.Logger
}

// NewRiskPolicy creates a policy over the given scorer.
func NewRiskPolicy(scorer Scorer, enabled, failOpen bool, log *logger.Logger) *RiskPolicy {
	if log == nil {
		log = logger.NewDefault("risk")
	}
	return &RiskPolicy{
		Enabled:   enabled,
		FailOpen:  failOpen,
		Threshold: DefaultRiskThreshold,
		scorer:    scorer,
		log:       log,
	}
}

// Check scores the transfer and rejects it above the threshold.
func (p *RiskPolicy) Check(ctx context.Context, from, to string, amount float64) error {
	if !p.Enabled || p.scorer == nil {
		return nil
	}

	score, err := p.scorer.Score(ctx, from, to, amount)
	if err != nil {
		if p.FailOpen {
			p.log.WithError(err).Warn("risk scorer unavailable, allowing transfer")
			return nil
		}
		return fmt.Errorf("risk scorer unavailable: %w: %w", err, apperr.ErrRiskRejected)
	}

	if score > p.Threshold {
		p.log.WithField("from", from).
			WithField("to", to).
			WithField("score", score).
			Warn("transfer rejected by risk policy")
		return fmt.Errorf("risk score %.2f exceeds threshold %.2f: %w", score, p.Threshold, apperr.ErrRiskRejected)
	}
	return nil
}

// HTTPScorer calls an external risk scoring API.
type HTTPScorer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer against the given endpoint.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, from, to string, amount float64) (float64, error) {
	payload, err := json.Marshal(map[string]any{
		"from":   from,
		"to":     to,
		"amount": amount,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("risk scorer responded %d", resp.StatusCode)
	}

	var result struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.Score, nil
}
