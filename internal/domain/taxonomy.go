package domain

import "strings"

// SpendBucket classifies a merchant category for the wellness features.
// The enumerated taxonomy replaces ad hoc substring matching as the primary
// mapping; the substring fallback is kept for vendor category strings that
// are not in the canonical set, preserving the historical bucket semantics.
type SpendBucket int

const (
	BucketOther SpendBucket = iota
	BucketEssential
	BucketDiscretionary
	BucketInvestment
	BucketDebt
	BucketIncome
	BucketSavings
)

// String returns the bucket name.
func (b SpendBucket) String() string {
	switch b {
	case BucketEssential:
		return "essential"
	case BucketDiscretionary:
		return "discretionary"
	case BucketInvestment:
		return "investment"
	case BucketDebt:
		return "debt"
	case BucketIncome:
		return "income"
	case BucketSavings:
		return "savings"
	default:
		return "other"
	}
}

// canonicalBuckets maps canonical category names to buckets.
var canonicalBuckets = map[string]SpendBucket{
	"groceries":      BucketEssential,
	"utilities":      BucketEssential,
	"rent":           BucketEssential,
	"mortgage":       BucketEssential,
	"insurance":      BucketEssential,
	"healthcare":     BucketEssential,
	"pharmacy":       BucketEssential,
	"transportation": BucketEssential,
	"fuel":           BucketEssential,

	"dining":        BucketDiscretionary,
	"restaurants":   BucketDiscretionary,
	"entertainment": BucketDiscretionary,
	"travel":        BucketDiscretionary,
	"shopping":      BucketDiscretionary,
	"electronics":   BucketDiscretionary,
	"clothing":      BucketDiscretionary,
	"subscription":  BucketDiscretionary,

	"investment": BucketInvestment,
	"brokerage":  BucketInvestment,
	"retirement": BucketInvestment,

	"loan_payment":     BucketDebt,
	"credit_payment":   BucketDebt,
	"mortgage_payment": BucketDebt,
	"debt_repayment":   BucketDebt,

	"salary":  BucketIncome,
	"payroll": BucketIncome,
	"deposit": BucketIncome,

	"savings":          BucketSavings,
	"transfer_savings": BucketSavings,
}

// substringBuckets is the compatibility fallback, checked in order against
// lowercased category strings when no canonical match exists.
var substringBuckets = []struct {
	substr string
	bucket SpendBucket
}{
	{"loan", BucketDebt},
	{"credit", BucketDebt},
	{"debt", BucketDebt},
	{"invest", BucketInvestment},
	{"broker", BucketInvestment},
	{"retire", BucketInvestment},
	{"grocer", BucketEssential},
	{"utilit", BucketEssential},
	{"rent", BucketEssential},
	{"insur", BucketEssential},
	{"health", BucketEssential},
	{"medical", BucketEssential},
	{"transport", BucketEssential},
	{"fuel", BucketEssential},
	{"gas", BucketEssential},
	{"salary", BucketIncome},
	{"payroll", BucketIncome},
	{"income", BucketIncome},
	{"saving", BucketSavings},
	{"dining", BucketDiscretionary},
	{"restaurant", BucketDiscretionary},
	{"entertain", BucketDiscretionary},
	{"travel", BucketDiscretionary},
	{"shop", BucketDiscretionary},
	{"subscri", BucketDiscretionary},
}

// CategoryBucket maps a merchant category string to its spend bucket.
// Canonical names match exactly; unknown strings fall back to substring
// matching; anything else is BucketOther.
func CategoryBucket(category string) SpendBucket {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return BucketOther
	}
	if b, ok := canonicalBuckets[c]; ok {
		return b
	}
	for _, m := range substringBuckets {
		if strings.Contains(c, m.substr) {
			return m.bucket
		}
	}
	return BucketOther
}
