package realtime

import (
	"context"
	"strings"
)

// Guardrail categories.
const (
	CategoryNone     = "none"
	CategoryOffBrand = "off_brand"
)

// Verdict is the outcome of a guardrail check.
type Verdict struct {
	Tripped   bool
	Category  string
	Rationale string
}

// Guardrail classifies completed assistant output.
type Guardrail interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

// GuardrailFunc adapts a function to the Guardrail interface.
type GuardrailFunc func(ctx context.Context, text string) (Verdict, error)

func (f GuardrailFunc) Check(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}

// TermGuardrail trips with CategoryOffBrand when the text mentions any of
// the given terms, ignoring case. It returns nil when terms is empty.
func TermGuardrail(terms []string) Guardrail {
	var lowered []string
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			lowered = append(lowered, strings.ToLower(t))
		}
	}
	if len(lowered) == 0 {
		return nil
	}
	return GuardrailFunc(func(_ context.Context, text string) (Verdict, error) {
		haystack := strings.ToLower(text)
		for _, term := range lowered {
			if strings.Contains(haystack, term) {
				return Verdict{Tripped: true, Category: CategoryOffBrand, Rationale: "mentions " + term}, nil
			}
		}
		return Verdict{Category: CategoryNone}, nil
	})
}
