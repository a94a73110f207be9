// Package evalmetrics provides post-hoc model evaluation: classification
// metrics, ROC-AUC, confusion matrices, and group fairness metrics. All
// functions are pure and validate shapes before computing.
package evalmetrics

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ZeroDivision selects what an undefined precision/recall/F1 evaluates to
// when a denominator is zero.
type ZeroDivision int

const (
	// ZeroDivisionZero returns 0 for undefined ratios, the conservative
	// default.
	ZeroDivisionZero ZeroDivision = iota

	// ZeroDivisionOne returns 1, treating "no predictions made" as vacuously
	// correct.
	ZeroDivisionOne
)

func (z ZeroDivision) value() float64 {
	if z == ZeroDivisionOne {
		return 1
	}
	return 0
}

func validatePair(name string, labels, predictions []int) error {
	if len(labels) == 0 || len(predictions) == 0 {
		return fmt.Errorf("%w: %s requires non-empty labels and predictions", domain.ErrEmptyInput, name)
	}
	if len(labels) != len(predictions) {
		return fmt.Errorf("%w: %s got %d labels and %d predictions", domain.ErrShapeMismatch, name, len(labels), len(predictions))
	}
	return nil
}

// Accuracy is the fraction of predictions matching labels.
func Accuracy(labels, predictions []int) (float64, error) {
	if err := validatePair("accuracy", labels, predictions); err != nil {
		return 0, err
	}
	correct := 0
	for i := range labels {
		if labels[i] == predictions[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// PrecisionRecallF1 computes the three metrics for the positive class.
func PrecisionRecallF1(labels, predictions []int, positive int, policy ZeroDivision) (precision, recall, f1 float64, err error) {
	if err := validatePair("precision/recall", labels, predictions); err != nil {
		return 0, 0, 0, err
	}
	var tp, fp, fn float64
	for i := range labels {
		switch {
		case labels[i] == positive && predictions[i] == positive:
			tp++
		case labels[i] != positive && predictions[i] == positive:
			fp++
		case labels[i] == positive && predictions[i] != positive:
			fn++
		}
	}
	precision = safeRatio(tp, tp+fp, policy)
	recall = safeRatio(tp, tp+fn, policy)
	if precision+recall == 0 {
		f1 = policy.value()
	} else {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1, nil
}

func safeRatio(num, den float64, policy ZeroDivision) float64 {
	if den == 0 {
		return policy.value()
	}
	return num / den
}

// ConfusionMatrix returns the class list (sorted ascending) and the matrix
// indexed [actual][predicted].
func ConfusionMatrix(labels, predictions []int) (classes []int, matrix [][]int, err error) {
	if err := validatePair("confusion matrix", labels, predictions); err != nil {
		return nil, nil, err
	}
	seen := make(map[int]bool)
	for i := range labels {
		seen[labels[i]] = true
		seen[predictions[i]] = true
	}
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	matrix = make([][]int, len(classes))
	for i := range matrix {
		matrix[i] = make([]int, len(classes))
	}
	for i := range labels {
		matrix[index[labels[i]]][index[predictions[i]]]++
	}
	return classes, matrix, nil
}

// ROCAUC computes the binary area under the ROC curve from scores for the
// positive class, using the rank statistic with tie correction. Labels must
// contain both classes.
func ROCAUC(labels []int, scores []float64, positive int) (float64, error) {
	if len(labels) == 0 || len(scores) == 0 {
		return 0, fmt.Errorf("%w: roc-auc requires non-empty labels and scores", domain.ErrEmptyInput)
	}
	if len(labels) != len(scores) {
		return 0, fmt.Errorf("%w: roc-auc got %d labels and %d scores", domain.ErrShapeMismatch, len(labels), len(scores))
	}

	type obs struct {
		score float64
		pos   bool
	}
	data := make([]obs, len(labels))
	var nPos, nNeg float64
	for i := range labels {
		p := labels[i] == positive
		data[i] = obs{score: scores[i], pos: p}
		if p {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0, fmt.Errorf("roc-auc undefined: labels contain a single class")
	}

	sort.Slice(data, func(a, b int) bool { return data[a].score < data[b].score })

	// Average ranks across tied scores.
	rankSum := 0.0
	i := 0
	for i < len(data) {
		j := i
		for j < len(data) && data[j].score == data[i].score {
			j++
		}
		avgRank := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			if data[k].pos {
				rankSum += avgRank
			}
		}
		i = j
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg), nil
}

// ROCAUCOneVsRest macro-averages binary AUCs over the classes present in
// labels. scores[i][k] is the score of row i for classes[k]. Classes with a
// single label value in the batch are skipped; at least one class must be
// scorable.
func ROCAUCOneVsRest(labels []int, scores [][]float64, classes []int) (float64, error) {
	if len(labels) == 0 || len(scores) == 0 || len(classes) == 0 {
		return 0, fmt.Errorf("%w: one-vs-rest roc-auc requires labels, scores, and classes", domain.ErrEmptyInput)
	}
	if len(labels) != len(scores) {
		return 0, fmt.Errorf("%w: one-vs-rest roc-auc got %d labels and %d score rows", domain.ErrShapeMismatch, len(labels), len(scores))
	}
	for i, row := range scores {
		if len(row) != len(classes) {
			return 0, fmt.Errorf("%w: score row %d has %d entries for %d classes", domain.ErrShapeMismatch, i, len(row), len(classes))
		}
	}

	total, counted := 0.0, 0
	for k, class := range classes {
		col := make([]float64, len(scores))
		for i := range scores {
			col[i] = scores[i][k]
		}
		auc, err := ROCAUC(labels, col, class)
		if err != nil {
			continue // single-class column, skip
		}
		total += auc
		counted++
	}
	if counted == 0 {
		return 0, fmt.Errorf("one-vs-rest roc-auc undefined: no class had both positive and negative labels")
	}
	return total / float64(counted), nil
}

// GroupRates holds the per-group rates behind the fairness metrics.
type GroupRates struct {
	Group        string  `json:"group"`
	Size         int     `json:"size"`
	PositiveRate float64 `json:"positiveRate"`
	TPR          float64 `json:"tpr"`
	FPR          float64 `json:"fpr"`
}

// FairnessReport summarizes demographic parity and equalized odds across
// sensitive groups.
type FairnessReport struct {
	Groups []GroupRates `json:"groups"`

	// Max pairwise differences; 0 means perfectly equal treatment.
	DemographicParityDiff float64 `json:"demographicParityDiff"`
	EqualizedOddsTPRDiff  float64 `json:"equalizedOddsTprDiff"`
	EqualizedOddsFPRDiff  float64 `json:"equalizedOddsFprDiff"`
}

// Fairness computes per-group positive rates, TPRs, and FPRs plus their max
// pairwise differences. The positive class is the label value 1. Requires at
// least two distinct groups.
func Fairness(labels, predictions []int, sensitive []string) (*FairnessReport, error) {
	if err := validatePair("fairness", labels, predictions); err != nil {
		return nil, err
	}
	if len(sensitive) != len(labels) {
		return nil, fmt.Errorf("%w: fairness got %d labels and %d sensitive values", domain.ErrShapeMismatch, len(labels), len(sensitive))
	}

	type counts struct {
		n, pos, tp, fp, actualPos, actualNeg float64
	}
	byGroup := make(map[string]*counts)
	for i := range labels {
		g := byGroup[sensitive[i]]
		if g == nil {
			g = &counts{}
			byGroup[sensitive[i]] = g
		}
		g.n++
		if predictions[i] == 1 {
			g.pos++
		}
		if labels[i] == 1 {
			g.actualPos++
			if predictions[i] == 1 {
				g.tp++
			}
		} else {
			g.actualNeg++
			if predictions[i] == 1 {
				g.fp++
			}
		}
	}
	if len(byGroup) < 2 {
		return nil, fmt.Errorf("%w: fairness metrics need at least 2 sensitive groups, got %d", domain.ErrInsufficientGroups, len(byGroup))
	}

	names := make([]string, 0, len(byGroup))
	for name := range byGroup {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &FairnessReport{}
	for _, name := range names {
		g := byGroup[name]
		report.Groups = append(report.Groups, GroupRates{
			Group:        name,
			Size:         int(g.n),
			PositiveRate: g.pos / g.n,
			TPR:          safeRatio(g.tp, g.actualPos, ZeroDivisionZero),
			FPR:          safeRatio(g.fp, g.actualNeg, ZeroDivisionZero),
		})
	}
	report.DemographicParityDiff = maxPairwiseDiff(report.Groups, func(g GroupRates) float64 { return g.PositiveRate })
	report.EqualizedOddsTPRDiff = maxPairwiseDiff(report.Groups, func(g GroupRates) float64 { return g.TPR })
	report.EqualizedOddsFPRDiff = maxPairwiseDiff(report.Groups, func(g GroupRates) float64 { return g.FPR })
	return report, nil
}

func maxPairwiseDiff(groups []GroupRates, get func(GroupRates) float64) float64 {
	min, max := get(groups[0]), get(groups[0])
	for _, g := range groups[1:] {
		v := get(g)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return max - min
}
