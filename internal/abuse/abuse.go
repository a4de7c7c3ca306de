// Package abuse implements the EWMA/Z-score anomaly detector:
// per-API-key request-rate tracking with a soft-block trip wire.
package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
	"github.com/bankotij/Heliox-Proxy/internal/model"
	"github.com/bankotij/Heliox-Proxy/internal/store"
)

const epsilon = 1e-6

// Config holds the detector's tunables: smoothing alpha, Z-score
// threshold and soft-block duration.
type Config struct {
	Alpha         float64
	ZThreshold    float64
	BlockDuration time.Duration
}

func DefaultConfig() Config {
	return Config{Alpha: 0.3, ZThreshold: 3.0, BlockDuration: 5 * time.Minute}
}

type ewmaState struct {
	EWMARate      float64   `json:"ewma_rate"`
	EWMAVariance  float64   `json:"ewma_variance"`
	LastTickAt    time.Time `json:"last_tick_at"`
	EWMAErrorRate float64   `json:"ewma_error_rate"`
}

// Detector holds the tunable thresholds, the KV store used for the live
// soft-block gate, and the Repository used to durably persist
// BlockedKeyRecords.
type Detector struct {
	store kvstore.Store
	repo  store.Repository
	cfg   Config
}

// New builds a Detector. repo may be nil, in which case blocks are kept
// only in the KV store and do not survive a process restart.
func New(kv kvstore.Store, repo store.Repository, cfg Config) *Detector {
	return &Detector{store: kv, repo: repo, cfg: cfg}
}

func stateKey(apiKeyID string) string { return fmt.Sprintf("abuse:ewma:%s", apiKeyID) }
func blockKey(apiKeyID string) string { return fmt.Sprintf("abuse:block:%s", apiKeyID) }

// IsBlocked checks the soft-block gate the pipeline consults before any
// other admission work.
func (d *Detector) IsBlocked(ctx context.Context, apiKeyID string) (blocked bool, retryAfterSeconds int, err error) {
	raw, err := d.store.Get(ctx, blockKey(apiKeyID))
	if err == kvstore.ErrNotFound {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	var until time.Time
	if jsonErr := json.Unmarshal(raw, &until); jsonErr != nil {
		return false, 0, nil
	}
	remaining := int(time.Until(until).Seconds())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// Tick updates the rate EWMA with one admitted request and installs a
// soft-block if the Z-score crosses the configured threshold. Returns the
// BlockedKeyRecord when a new block is installed, or nil otherwise.
func (d *Detector) Tick(ctx context.Context, apiKeyID string, now time.Time) (*model.BlockedKeyRecord, error) {
	st, err := d.loadState(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	if st.LastTickAt.IsZero() {
		st.LastTickAt = now
		return nil, d.saveState(ctx, apiKeyID, st)
	}

	dt := now.Sub(st.LastTickAt).Seconds()
	st.LastTickAt = now
	if dt <= 0 {
		return nil, d.saveState(ctx, apiKeyID, st)
	}
	r := 1.0 / dt

	mu := st.EWMARate
	alpha := d.cfg.Alpha
	muNew := alpha*r + (1-alpha)*mu
	varNew := alpha*(r-mu)*(r-mu) + (1-alpha)*st.EWMAVariance

	st.EWMARate = muNew
	st.EWMAVariance = varNew

	sigma := math.Sqrt(varNew)
	if sigma < epsilon {
		sigma = epsilon
	}
	z := (r - muNew) / sigma

	if err := d.saveState(ctx, apiKeyID, st); err != nil {
		return nil, err
	}

	if math.Abs(z) > d.cfg.ZThreshold {
		rec := &model.BlockedKeyRecord{
			APIKeyID:     apiKeyID,
			Reason:       model.BlockReasonRateSpike,
			AnomalyScore: z,
			BlockedAt:    now,
			BlockedUntil: now.Add(d.cfg.BlockDuration),
			IsActive:     true,
		}
		if err := d.install(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// TickError updates the separate error-rate EWMA; crossing its threshold
// trips error_rate_spike.
func (d *Detector) TickError(ctx context.Context, apiKeyID string, isError bool, now time.Time) (*model.BlockedKeyRecord, error) {
	st, err := d.loadState(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}
	sample := 0.0
	if isError {
		sample = 1.0
	}
	st.EWMAErrorRate = d.cfg.Alpha*sample + (1-d.cfg.Alpha)*st.EWMAErrorRate
	if err := d.saveState(ctx, apiKeyID, st); err != nil {
		return nil, err
	}

	if st.EWMAErrorRate > errorRateThreshold {
		rec := &model.BlockedKeyRecord{
			APIKeyID:     apiKeyID,
			Reason:       model.BlockReasonErrorSpike,
			AnomalyScore: st.EWMAErrorRate,
			BlockedAt:    now,
			BlockedUntil: now.Add(d.cfg.BlockDuration),
			IsActive:     true,
		}
		if err := d.install(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// errorRateThreshold is the fraction of admitted requests erroring out
// (EWMA-smoothed) above which a key is flagged for error_rate_spike.
const errorRateThreshold = 0.5

// install writes the live KV soft-block gate and, when a Repository is
// configured, durably persists rec.
func (d *Detector) install(ctx context.Context, rec *model.BlockedKeyRecord) error {
	raw, _ := json.Marshal(rec.BlockedUntil)
	if err := d.store.Set(ctx, blockKey(rec.APIKeyID), raw, time.Until(rec.BlockedUntil)); err != nil {
		return err
	}
	if d.repo == nil {
		return nil
	}
	if err := d.repo.RecordBlockedKey(ctx, *rec); err != nil {
		log.Printf("abuse: record blocked key %s: %v", rec.APIKeyID, err)
	}
	return nil
}

// Unblock clears the soft-block: both the live KV gate and the durable
// record's active flag.
func (d *Detector) Unblock(ctx context.Context, apiKeyID string) error {
	if err := d.store.Del(ctx, blockKey(apiKeyID)); err != nil {
		return err
	}
	if d.repo == nil {
		return nil
	}
	if err := d.repo.ClearBlockedKey(ctx, apiKeyID); err != nil {
		log.Printf("abuse: clear blocked key %s: %v", apiKeyID, err)
	}
	return nil
}

// Restore repopulates the live KV soft-block gate from the durable
// Repository, so blocks installed before a process restart are still
// enforced immediately on startup instead of silently lapsing.
func (d *Detector) Restore(ctx context.Context) error {
	if d.repo == nil {
		return nil
	}
	recs, err := d.repo.ListActiveBlockedKeys(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.IsActive || !time.Now().Before(rec.BlockedUntil) {
			continue
		}
		raw, _ := json.Marshal(rec.BlockedUntil)
		if err := d.store.Set(ctx, blockKey(rec.APIKeyID), raw, time.Until(rec.BlockedUntil)); err != nil {
			log.Printf("abuse: restore block for %s: %v", rec.APIKeyID, err)
		}
	}
	return nil
}

func (d *Detector) loadState(ctx context.Context, apiKeyID string) (ewmaState, error) {
	raw, err := d.store.Get(ctx, stateKey(apiKeyID))
	if err == kvstore.ErrNotFound {
		return ewmaState{}, nil
	}
	if err != nil {
		return ewmaState{}, err
	}
	var st ewmaState
	if jsonErr := json.Unmarshal(raw, &st); jsonErr != nil {
		return ewmaState{}, nil
	}
	return st, nil
}

func (d *Detector) saveState(ctx context.Context, apiKeyID string, st ewmaState) error {
	raw, _ := json.Marshal(st)
	return d.store.Set(ctx, stateKey(apiKeyID), raw, 24*time.Hour)
}
