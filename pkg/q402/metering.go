package q402

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/siddimore/q402-agent-gate/pkg/units"
)

// MeteringStore defines the interface for storing settlement metrics
type MeteringStore interface {
	RecordSettlement(metric UsageMetric) error
	GetMetrics(filter MetricsFilter) (*MetricsReport, error)
}

// UsageMetric represents a single settled payment
type UsageMetric struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Network   string    `json:"network"`
	PayerID   string    `json:"payerId"`
	AmountWei string    `json:"amountWei"`
	Reference string    `json:"reference"`
	Latency   int64     `json:"latencyMs"` // Verify-to-settle time in milliseconds
}

// MetricsFilter for querying metrics
type MetricsFilter struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Action    string     `json:"action,omitempty"`
	Network   string     `json:"network,omitempty"`
	PayerID   string     `json:"payerId,omitempty"`
}

// MetricsReport contains aggregated metrics
type MetricsReport struct {
	TotalSettlements int64         `json:"totalSettlements"`
	TotalRevenueWei  string        `json:"totalRevenueWei"`
	TotalRevenue     string        `json:"totalRevenue"` // native units, 6 decimals
	UniquePayers     int64         `json:"uniquePayers"`
	AvgLatencyMs     float64       `json:"avgLatencyMs"`
	ByAction         []ActionStats `json:"byAction"`
	TopPayers        []PayerStats  `json:"topPayers"`
}

// ActionStats contains per-action metrics
type ActionStats struct {
	Action      string `json:"action"`
	Settlements int64  `json:"settlements"`
	RevenueWei  string `json:"revenueWei"`
	revenue     *big.Int
}

// PayerStats contains per-payer metrics
type PayerStats struct {
	PayerID     string `json:"payerId"`
	Settlements int64  `json:"settlements"`
	SpentWei    string `json:"spentWei"`
	LastSeen    string `json:"lastSeen"`
	spent       *big.Int
}

// InMemoryMeteringStore is a bounded in-memory implementation
type InMemoryMeteringStore struct {
	mu      sync.RWMutex
	metrics []UsageMetric
	maxSize int
}

// NewInMemoryMeteringStore creates a new in-memory metering store
func NewInMemoryMeteringStore(maxSize int) *InMemoryMeteringStore {
	if maxSize <= 0 {
		maxSize = 100000 // Default 100k entries
	}
	return &InMemoryMeteringStore{
		metrics: make([]UsageMetric, 0, 64),
		maxSize: maxSize,
	}
}

// RecordSettlement records a usage metric
func (s *InMemoryMeteringStore) RecordSettlement(metric UsageMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict oldest entries if at capacity
	if len(s.metrics) >= s.maxSize {
		s.metrics = s.metrics[1:]
	}
	metric.PayerID = strings.ToLower(metric.PayerID)
	s.metrics = append(s.metrics, metric)
	return nil
}

// GetMetrics retrieves aggregated metrics based on filter
func (s *InMemoryMeteringStore) GetMetrics(filter MetricsFilter) (*MetricsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &MetricsReport{}
	total := new(big.Int)
	actions := make(map[string]*ActionStats)
	payers := make(map[string]*PayerStats)
	var totalLatency int64
	payer := strings.ToLower(filter.PayerID)

	for _, m := range s.metrics {
		if filter.StartTime != nil && m.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && m.Timestamp.After(*filter.EndTime) {
			continue
		}
		if filter.Action != "" && m.Action != filter.Action {
			continue
		}
		if filter.Network != "" && m.Network != filter.Network {
			continue
		}
		if payer != "" && m.PayerID != payer {
			continue
		}

		amount, err := units.ParseWei(m.AmountWei)
		if err != nil {
			amount = new(big.Int)
		}

		report.TotalSettlements++
		total.Add(total, amount)
		totalLatency += m.Latency

		as, ok := actions[m.Action]
		if !ok {
			as = &ActionStats{Action: m.Action, revenue: new(big.Int)}
			actions[m.Action] = as
		}
		as.Settlements++
		as.revenue.Add(as.revenue, amount)

		if m.PayerID != "" {
			ps, ok := payers[m.PayerID]
			if !ok {
				ps = &PayerStats{PayerID: m.PayerID, spent: new(big.Int)}
				payers[m.PayerID] = ps
			}
			ps.Settlements++
			ps.spent.Add(ps.spent, amount)
			ps.LastSeen = m.Timestamp.Format(time.RFC3339)
		}
	}

	report.TotalRevenueWei = total.String()
	report.TotalRevenue = units.FormatEther(total, 6)
	report.UniquePayers = int64(len(payers))
	if report.TotalSettlements > 0 {
		report.AvgLatencyMs = float64(totalLatency) / float64(report.TotalSettlements)
	}

	for _, as := range actions {
		as.RevenueWei = as.revenue.String()
		report.ByAction = append(report.ByAction, *as)
	}
	sort.Slice(report.ByAction, func(i, j int) bool {
		return report.ByAction[i].revenue.Cmp(report.ByAction[j].revenue) > 0
	})

	for _, ps := range payers {
		ps.SpentWei = ps.spent.String()
		report.TopPayers = append(report.TopPayers, *ps)
	}
	sort.Slice(report.TopPayers, func(i, j int) bool {
		return report.TopPayers[i].spent.Cmp(report.TopPayers[j].spent) > 0
	})
	if len(report.TopPayers) > 10 {
		report.TopPayers = report.TopPayers[:10]
	}

	return report, nil
}

// MetricsHandler returns an HTTP handler for the metrics endpoint
func MetricsHandler(store MeteringStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		filter := MetricsFilter{
			Action:  q.Get("action"),
			Network: q.Get("network"),
			PayerID: q.Get("payer"),
		}
		if start := q.Get("start"); start != "" {
			if t, err := time.Parse(time.RFC3339, start); err == nil {
				filter.StartTime = &t
			}
		}
		if end := q.Get("end"); end != "" {
			if t, err := time.Parse(time.RFC3339, end); err == nil {
				filter.EndTime = &t
			}
		}

		report, err := store.GetMetrics(filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}
