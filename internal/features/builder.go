package features

import (
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/frame"
)

// txObs is one transaction observation for a single entity, extracted from
// the tabular input. Optional columns default to zero values.
type txObs struct {
	amount   float64
	ts       time.Time
	txType   string
	category string
	merchant string
	location string
	channel  string
}

// groupTransactions validates the transaction column set and groups rows by
// entity, time-ordered. Entity order is sorted for deterministic output.
func groupTransactions(tbl *frame.Table) (map[string][]txObs, []string, error) {
	if tbl == nil || tbl.IsEmpty() {
		return nil, nil, domain.ErrEmptyInput
	}
	if missing := tbl.MissingColumns(domain.TransactionRequiredColumns()); len(missing) > 0 {
		return nil, nil, domain.NewMissingColumnsError(missing)
	}

	idCol, _ := tbl.Column(domain.ColCustomerID)
	amountCol, _ := tbl.Column(domain.ColAmount)
	tsCol, _ := tbl.Column(domain.ColTimestamp)

	optional := func(name string) *frame.Column {
		if c, ok := tbl.Column(name); ok && c.Kind() == frame.Categorical {
			return c
		}
		if !tbl.HasColumn(name) {
			slog.Warn("optional column absent, features default to zero", "column", name)
		}
		return nil
	}
	typeCol := optional(domain.ColType)
	categoryCol := optional(domain.ColCategory)
	merchantCol := optional(domain.ColMerchantID)
	locationCol := optional(domain.ColLocation)
	channelCol := optional(domain.ColChannel)

	groups := make(map[string][]txObs)
	for i := 0; i < tbl.NumRows(); i++ {
		id := idCol.String(i)
		if id == "" {
			continue
		}
		obs := txObs{
			amount: amountCol.Float(i),
			ts:     tsCol.Time(i),
		}
		if typeCol != nil {
			obs.txType = typeCol.String(i)
		}
		if categoryCol != nil {
			obs.category = categoryCol.String(i)
		}
		if merchantCol != nil {
			obs.merchant = merchantCol.String(i)
		}
		if locationCol != nil {
			obs.location = locationCol.String(i)
		}
		if channelCol != nil {
			obs.channel = channelCol.String(i)
		}
		groups[id] = append(groups[id], obs)
	}
	if len(groups) == 0 {
		return nil, nil, domain.ErrEmptyInput
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		sort.SliceStable(groups[id], func(a, b int) bool {
			return groups[id][a].ts.Before(groups[id][b].ts)
		})
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return groups, ids, nil
}

// amounts extracts the time-ordered amount series.
func amounts(obs []txObs) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.amount
	}
	return out
}

// uniqueCount counts distinct non-empty values produced by get.
func uniqueCount(obs []txObs, get func(txObs) string) float64 {
	seen := make(map[string]bool)
	for _, o := range obs {
		if v := get(o); v != "" {
			seen[v] = true
		}
	}
	return float64(len(seen))
}

// switchRate is the fraction of consecutive observation pairs whose value
// changes. Zero for fewer than two observations.
func switchRate(obs []txObs, get func(txObs) string) float64 {
	if len(obs) < 2 {
		return 0
	}
	switches := 0
	for i := 1; i < len(obs); i++ {
		if get(obs[i]) != get(obs[i-1]) {
			switches++
		}
	}
	return float64(switches) / float64(len(obs)-1)
}
