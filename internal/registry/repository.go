// Package registry durably stores backtest, evaluation and optimization
// payloads as JSON files under three directories keyed by run id, with an
// index mapping run ids, strategies and symbols.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ToniJM/trading-assistant/internal/logging"
)

const (
	backtestsDir     = "backtests"
	evaluationsDir   = "evaluations"
	optimizationsDir = "optimizations"
	indexFile        = "index.json"
)

// runIndexEntry is the index record for one run.
type runIndexEntry struct {
	StrategyName string   `json:"strategy_name"`
	Symbol       string   `json:"symbol"`
	StoredAt     string   `json:"stored_at"`
	ResultTypes  []string `json:"result_types"`
}

type index struct {
	Runs       map[string]*runIndexEntry `json:"runs"`
	Strategies map[string][]string       `json:"strategies"`
	Symbols    map[string][]string       `json:"symbols"`
	CreatedAt  string                    `json:"created_at"`
	UpdatedAt  string                    `json:"updated_at"`
}

// Repository is the file-backed results store. The index is read-modify-write
// protected by the repository's own lock; it is the only writer.
type Repository struct {
	basePath string
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewRepository creates the storage layout under basePath.
func NewRepository(basePath string) (*Repository, error) {
	if basePath == "" {
		basePath = filepath.Join("data", "registry")
	}
	for _, dir := range []string{backtestsDir, evaluationsDir, optimizationsDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	r := &Repository{
		basePath: basePath,
		logger:   logging.Component("registry"),
	}
	if _, err := os.Stat(r.indexPath()); os.IsNotExist(err) {
		now := time.Now().Format(time.RFC3339)
		if err := r.writeIndex(&index{
			Runs:       make(map[string]*runIndexEntry),
			Strategies: make(map[string][]string),
			Symbols:    make(map[string][]string),
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repository) indexPath() string {
	return filepath.Join(r.basePath, indexFile)
}

func (r *Repository) readIndex() (*index, error) {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read registry index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse registry index: %w", err)
	}
	if idx.Runs == nil {
		idx.Runs = make(map[string]*runIndexEntry)
	}
	if idx.Strategies == nil {
		idx.Strategies = make(map[string][]string)
	}
	if idx.Symbols == nil {
		idx.Symbols = make(map[string][]string)
	}
	return &idx, nil
}

// writeIndex writes atomically: temp file then rename.
func (r *Repository) writeIndex(idx *index) error {
	idx.UpdatedAt = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry index: %w", err)
	}
	tmp := r.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry index: %w", err)
	}
	return os.Rename(tmp, r.indexPath())
}

func (r *Repository) updateIndex(runID, strategyName, symbol, resultType string) error {
	idx, err := r.readIndex()
	if err != nil {
		return err
	}

	entry := idx.Runs[runID]
	if entry == nil {
		entry = &runIndexEntry{
			StrategyName: strategyName,
			Symbol:       symbol,
			StoredAt:     time.Now().Format(time.RFC3339),
		}
		idx.Runs[runID] = entry
	}
	if !contains(entry.ResultTypes, resultType) {
		entry.ResultTypes = append(entry.ResultTypes, resultType)
	}
	if !contains(idx.Strategies[strategyName], runID) {
		idx.Strategies[strategyName] = append(idx.Strategies[strategyName], runID)
	}
	if !contains(idx.Symbols[symbol], runID) {
		idx.Symbols[symbol] = append(idx.Symbols[symbol], runID)
	}
	return r.writeIndex(idx)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// store writes one payload under dir/{run_id}.json with its metadata
// sub-object and updates the index in the same critical section.
func (r *Repository) store(dir, resultType, runID string, data map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	storageID := fmt.Sprintf("%s-%s", resultType, runID)
	data["_metadata"] = map[string]any{
		"storage_id":  storageID,
		"stored_at":   time.Now().Format(time.RFC3339),
		"result_type": resultType,
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", resultType, err)
	}
	path := filepath.Join(r.basePath, dir, runID+".json")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s payload: %w", resultType, err)
	}

	strategyName, _ := data["strategy_name"].(string)
	symbol, _ := data["symbol"].(string)
	if strategyName == "" {
		strategyName = "unknown"
	}
	if symbol == "" {
		symbol = "unknown"
	}
	if err := r.updateIndex(runID, strategyName, symbol, resultType); err != nil {
		return "", err
	}

	r.logger.Debug().Str("storage_id", storageID).Msg("Stored results")
	return storageID, nil
}

// StoreBacktest stores a backtest payload.
func (r *Repository) StoreBacktest(runID string, data map[string]any) (string, error) {
	return r.store(backtestsDir, "backtest", runID, data)
}

// StoreEvaluation stores an evaluation payload.
func (r *Repository) StoreEvaluation(runID string, data map[string]any) (string, error) {
	return r.store(evaluationsDir, "evaluation", runID, data)
}

// StoreOptimization stores an optimization payload.
func (r *Repository) StoreOptimization(runID string, data map[string]any) (string, error) {
	return r.store(optimizationsDir, "optimization", runID, data)
}

// RetrieveByRunID merges every stored payload for a run, plus the index
// record under "_index". Returns nil when the run is unknown.
func (r *Repository) RetrieveByRunID(runID string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retrieveByRunIDLocked(runID)
}

func (r *Repository) retrieveByRunIDLocked(runID string) (map[string]any, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	entry := idx.Runs[runID]
	if entry == nil {
		return nil, nil
	}

	results := make(map[string]any)
	for dir, key := range map[string]string{
		backtestsDir:     "backtest",
		evaluationsDir:   "evaluation",
		optimizationsDir: "optimization",
	} {
		path := filepath.Join(r.basePath, dir, runID+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read stored %s: %w", key, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse stored %s: %w", key, err)
		}
		results[key] = payload
	}

	if len(results) == 0 {
		return nil, nil
	}
	results["_index"] = entry
	return results, nil
}

// RetrieveByStrategy returns results for a strategy, paginated.
func (r *Repository) RetrieveByStrategy(strategyName string, limit, offset int) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	return r.collect(idx.Strategies[strategyName], limit, offset)
}

// RetrieveBySymbol returns results for a symbol, paginated.
func (r *Repository) RetrieveBySymbol(symbol string, limit, offset int) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	return r.collect(idx.Symbols[symbol], limit, offset)
}

func (r *Repository) collect(runIDs []string, limit, offset int) ([]map[string]any, error) {
	if offset >= len(runIDs) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(runIDs) {
		end = len(runIDs)
	}

	var results []map[string]any
	for _, runID := range runIDs[offset:end] {
		record, err := r.retrieveByRunIDLocked(runID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			results = append(results, record)
		}
	}
	return results, nil
}

// TotalCount counts indexed runs matching the filters.
func (r *Repository) TotalCount(strategyName, symbol string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.readIndex()
	if err != nil {
		return 0, err
	}
	if strategyName != "" {
		return len(idx.Strategies[strategyName]), nil
	}
	if symbol != "" {
		return len(idx.Symbols[symbol]), nil
	}
	return len(idx.Runs), nil
}
