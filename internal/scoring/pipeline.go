package scoring

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/compose"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/frame"
	"github.com/opensource-finance/kestrel/internal/preprocess"
)

// pipeline bundles the stage components for one model. A pipeline is either
// fitted (restored from a persisted state, transform-only) or unfitted
// (legacy batch-relative mode, every stage fits on the incoming batch).
type pipeline struct {
	model  domain.ScoringModel
	fitted bool

	tx       *features.TransactionBuilder
	customer *features.CustomerBuilder
	fraud    *features.FraudBuilder
	wellness *features.WellnessBuilder
	composer *compose.RiskComposer
	prep     *preprocess.Pipeline
}

func newPipeline(cfg domain.FeatureConfig, model domain.ScoringModel, now time.Time) (*pipeline, error) {
	p := &pipeline{model: model}

	var err error
	switch model {
	case domain.ModelRisk:
		if p.tx, err = features.NewTransactionBuilder(cfg, now); err != nil {
			return nil, err
		}
		if p.customer, err = features.NewCustomerBuilder(cfg, now); err != nil {
			return nil, err
		}
		if p.composer, err = compose.New(cfg, domain.DefaultRiskWeights()); err != nil {
			return nil, err
		}
	case domain.ModelFraud:
		if p.fraud, err = features.NewFraudBuilder(cfg, domain.DefaultFraudWeights()); err != nil {
			return nil, err
		}
	case domain.ModelRecommend:
		if p.wellness, err = features.NewWellnessBuilder(cfg, domain.DefaultWellnessWeights()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown scoring model %q", model)
	}

	if p.prep, err = preprocess.New(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// fit learns scaling statistics from a reference batch and produces the
// fitted feature table for preprocessing fit.
func (p *pipeline) fit(tx, customers *frame.Table) (*domain.FeatureTable, error) {
	ft, err := p.features(tx, customers, true)
	if err != nil {
		return nil, err
	}

	fr, err := featureFrame(ft)
	if err != nil {
		return nil, err
	}
	if err := p.prep.Fit(fr, numericColumns(ft, p.compositeColumn()), nil); err != nil {
		return nil, err
	}
	p.fitted = true
	return ft, nil
}

// features runs the model's builder stages. With fitBuilders the builders
// learn their scaling statistics from this batch; otherwise previously fitted
// statistics are applied.
func (p *pipeline) features(tx, customers *frame.Table, fitBuilders bool) (*domain.FeatureTable, error) {
	switch p.model {
	case domain.ModelRisk:
		var custFT, txFT *domain.FeatureTable
		var err error
		if fitBuilders {
			if custFT, err = p.customer.Build(customers); err != nil {
				return nil, fmt.Errorf("customer features: %w", err)
			}
			if txFT, err = p.tx.Build(tx); err != nil {
				return nil, fmt.Errorf("transaction features: %w", err)
			}
			composed, err := p.composer.Compose(custFT, txFT)
			if err != nil {
				return nil, fmt.Errorf("risk composition: %w", err)
			}
			return composed, nil
		}
		if custFT, err = p.customer.Transform(customers); err != nil {
			return nil, fmt.Errorf("customer features: %w", err)
		}
		if txFT, err = p.tx.Transform(tx); err != nil {
			return nil, fmt.Errorf("transaction features: %w", err)
		}
		composed, err := p.composer.Transform(custFT, txFT)
		if err != nil {
			return nil, fmt.Errorf("risk composition: %w", err)
		}
		return composed, nil

	case domain.ModelFraud:
		if fitBuilders {
			return p.fraud.Build(tx)
		}
		return p.fraud.Transform(tx)

	case domain.ModelRecommend:
		if fitBuilders {
			return p.wellness.Build(tx, customers)
		}
		return p.wellness.Transform(tx, customers)
	}
	return nil, fmt.Errorf("unknown scoring model %q", p.model)
}

// preprocessTable encodes a feature table into the dense scoring matrix.
// Unfitted pipelines fit the preprocessor on the batch itself.
func (p *pipeline) preprocessTable(ft *domain.FeatureTable) (*preprocess.Matrix, error) {
	fr, err := featureFrame(ft)
	if err != nil {
		return nil, err
	}
	if !p.prep.Fitted() {
		if err := p.prep.Fit(fr, numericColumns(ft, p.compositeColumn()), nil); err != nil {
			return nil, err
		}
	}
	return p.prep.Transform(fr)
}

// compositeColumn names the model's composite score column, which bypasses
// standardization so the in-process scorer reads it unscaled.
func (p *pipeline) compositeColumn() string {
	switch p.model {
	case domain.ModelRisk:
		return "risk_composite_score"
	case domain.ModelFraud:
		return "fraud_composite_score"
	case domain.ModelRecommend:
		return "financial_wellness_score"
	}
	return ""
}

// needsCustomers reports whether the model consumes the customer table.
func (p *pipeline) needsCustomers() bool {
	return p.model == domain.ModelRisk
}

// statePayload is the persisted form of a fitted pipeline: each component's
// own serialized state, keyed by stage.
type statePayload struct {
	Transaction json.RawMessage `json:"transaction,omitempty"`
	Customer    json.RawMessage `json:"customer,omitempty"`
	Fraud       json.RawMessage `json:"fraud,omitempty"`
	Wellness    json.RawMessage `json:"wellness,omitempty"`
	Compose     json.RawMessage `json:"compose,omitempty"`
	Preprocess  json.RawMessage `json:"preprocess,omitempty"`
}

func (p *pipeline) marshalState() ([]byte, error) {
	var payload statePayload
	var err error

	if p.tx != nil {
		if payload.Transaction, err = p.tx.ScalerState(); err != nil {
			return nil, err
		}
	}
	if p.customer != nil {
		if payload.Customer, err = p.customer.ScalerState(); err != nil {
			return nil, err
		}
	}
	if p.fraud != nil {
		if payload.Fraud, err = p.fraud.ScalerState(); err != nil {
			return nil, err
		}
	}
	if p.wellness != nil {
		if payload.Wellness, err = p.wellness.ScalerState(); err != nil {
			return nil, err
		}
	}
	if p.composer != nil {
		if payload.Compose, err = p.composer.ScalerState(); err != nil {
			return nil, err
		}
	}
	if payload.Preprocess, err = p.prep.MarshalState(); err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func (p *pipeline) restoreState(data []byte) error {
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid pipeline state payload: %w", err)
	}

	if p.tx != nil && payload.Transaction != nil {
		if err := p.tx.RestoreScalerState(payload.Transaction); err != nil {
			return err
		}
	}
	if p.customer != nil && payload.Customer != nil {
		if err := p.customer.RestoreScalerState(payload.Customer); err != nil {
			return err
		}
	}
	if p.fraud != nil && payload.Fraud != nil {
		if err := p.fraud.RestoreScalerState(payload.Fraud); err != nil {
			return err
		}
	}
	if p.wellness != nil && payload.Wellness != nil {
		if err := p.wellness.RestoreScalerState(payload.Wellness); err != nil {
			return err
		}
	}
	if p.composer != nil && payload.Compose != nil {
		if err := p.composer.RestoreScalerState(payload.Compose); err != nil {
			return err
		}
	}
	if payload.Preprocess != nil {
		if err := p.prep.UnmarshalState(payload.Preprocess); err != nil {
			return err
		}
	}
	p.fitted = true
	return nil
}

// featureFrame converts an entity feature table into the tabular form the
// preprocessor consumes. Row order follows the table's entity order.
func featureFrame(ft *domain.FeatureTable) (*frame.Table, error) {
	cols := make([]*frame.Column, 0, len(ft.Columns()))
	for _, name := range ft.Columns() {
		vals, _ := ft.Column(name)
		cols = append(cols, frame.NewNumeric(name, vals))
	}
	return frame.New(cols...)
}

// numericColumns lists the feature columns to standardize: everything except
// the composite, which must reach the scorer unscaled.
func numericColumns(ft *domain.FeatureTable, composite string) []string {
	var out []string
	for _, name := range ft.Columns() {
		if name != composite {
			out = append(out, name)
		}
	}
	return out
}
