package agents

import (
	"encoding/json"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/registry"
)

const registryCacheLimit = 100

// RegistryAgent persists backtest, evaluation and optimization payloads and
// answers retrieval queries. It keeps a bounded cache of recently stored run
// metadata.
type RegistryAgent struct {
	BaseAgent
	repository *registry.Repository

	cacheOrder []string
	cache      map[string]map[string]any
}

// NewRegistryAgent creates a registry agent over a repository rooted at
// basePath (empty = default).
func NewRegistryAgent(runID, basePath string) (*RegistryAgent, error) {
	repo, err := registry.NewRepository(basePath)
	if err != nil {
		return nil, err
	}
	a := &RegistryAgent{
		BaseAgent:  NewBaseAgent("registry", runID),
		repository: repo,
		cache:      make(map[string]map[string]any),
	}
	a.Policies = map[string]Policy{
		"retention_days": {Min: floatPtr(1), Max: floatPtr(365)},
	}
	return a, nil
}

// Initialize is idempotent.
func (a *RegistryAgent) Initialize() *RegistryAgent {
	a.FlowLogger("init").Info().Msg("RegistryAgent initialized")
	a.StoreMemory("initialized", true)
	return a
}

// StoreResults stores whichever payloads the request carries. Failures are
// reported in the response rather than raised.
func (a *RegistryAgent) StoreResults(request domain.StoreResultsRequest) domain.StoreResultsResponse {
	logger := a.RunLogger(request.RunID, "store_results")

	storageID := ""
	storeOne := func(payload any, store func(string, map[string]any) (string, error)) error {
		data, err := toMap(payload)
		if err != nil {
			return err
		}
		data["strategy_name"] = request.StrategyName
		data["symbol"] = request.Symbol
		for k, v := range request.Metadata {
			data[k] = v
		}
		id, err := store(request.RunID, data)
		if err != nil {
			return err
		}
		if storageID == "" {
			storageID = id
		}
		return nil
	}

	var err error
	if request.BacktestResults != nil {
		err = storeOne(request.BacktestResults, a.repository.StoreBacktest)
	}
	if err == nil && request.EvaluationResults != nil {
		err = storeOne(request.EvaluationResults, a.repository.StoreEvaluation)
	}
	if err == nil && request.OptimizationResults != nil {
		err = storeOne(request.OptimizationResults, a.repository.StoreOptimization)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Error storing results")
		return domain.StoreResultsResponse{
			RunID:     request.RunID,
			StorageID: "error-" + request.RunID,
			Success:   false,
		}
	}

	if storageID == "" {
		storageID = "storage-" + request.RunID
	}
	a.updateCache(request.RunID, map[string]any{
		"strategy_name": request.StrategyName,
		"symbol":        request.Symbol,
		"storage_id":    storageID,
	})

	logger.Info().Str("storage_id", storageID).Msg("Results stored")
	return domain.StoreResultsResponse{
		RunID:     request.RunID,
		StorageID: storageID,
		Success:   true,
	}
}

// RetrieveResults answers a query by run id, strategy or symbol. Failures
// yield an empty response.
func (a *RegistryAgent) RetrieveResults(request domain.RetrieveResultsRequest) domain.RetrieveResultsResponse {
	logger := a.RunLogger(request.RunID, "retrieve_results")

	var (
		results []map[string]any
		err     error
	)
	switch {
	case request.RunID != "":
		var record map[string]any
		record, err = a.repository.RetrieveByRunID(request.RunID)
		if record != nil {
			results = append(results, record)
		}
	case request.StrategyName != "":
		results, err = a.repository.RetrieveByStrategy(request.StrategyName, request.Limit, request.Offset)
	case request.Symbol != "":
		results, err = a.repository.RetrieveBySymbol(request.Symbol, request.Limit, request.Offset)
	default:
		logger.Warn().Msg("Retrieve without filters returns nothing")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Error retrieving results")
		return domain.RetrieveResultsResponse{Limit: request.Limit, Offset: request.Offset}
	}

	totalCount, err := a.repository.TotalCount(request.StrategyName, request.Symbol)
	if err != nil {
		logger.Error().Err(err).Msg("Error counting results")
	}

	return domain.RetrieveResultsResponse{
		Results:    results,
		TotalCount: totalCount,
		Limit:      request.Limit,
		Offset:     request.Offset,
	}
}

// StrategyHistory returns the most recent stored results for a strategy.
func (a *RegistryAgent) StrategyHistory(strategyName string, limit int) ([]map[string]any, error) {
	return a.repository.RetrieveByStrategy(strategyName, limit, 0)
}

func (a *RegistryAgent) updateCache(runID string, data map[string]any) {
	if _, exists := a.cache[runID]; !exists {
		if len(a.cacheOrder) >= registryCacheLimit {
			oldest := a.cacheOrder[0]
			a.cacheOrder = a.cacheOrder[1:]
			delete(a.cache, oldest)
		}
		a.cacheOrder = append(a.cacheOrder, runID)
	}
	a.cache[runID] = data
}

// HandleMessage dispatches store and retrieve requests.
func (a *RegistryAgent) HandleMessage(msg domain.AgentMessage) (out domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			out = a.handlerError(msg, domain.NewErrorf(domain.ErrHandler, "panic: %v", r))
		}
	}()

	switch payload := msg.Payload.(type) {
	case domain.StoreResultsRequest:
		return a.CreateMessage(msg.FromAgent, msg.FlowID, a.StoreResults(payload))
	case *domain.StoreResultsRequest:
		return a.CreateMessage(msg.FromAgent, msg.FlowID, a.StoreResults(*payload))
	case domain.RetrieveResultsRequest:
		return a.CreateMessage(msg.FromAgent, msg.FlowID, a.RetrieveResults(payload))
	case *domain.RetrieveResultsRequest:
		return a.CreateMessage(msg.FromAgent, msg.FlowID, a.RetrieveResults(*payload))
	default:
		return a.unknownMessage(msg)
	}
}

// Close releases resources. Idempotent.
func (a *RegistryAgent) Close() {
	a.FlowLogger("cleanup").Info().Msg("RegistryAgent closed")
}

func toMap(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
