package orchestrator

import (
	"github.com/warp/leave-engine/entitlement"
	"github.com/warp/leave-engine/ledger"
)

// Unmapped marks a leave type that draws from no ledger category (sick
// leave, unauthorized absence). Transitions of such absences have no
// ledger effect.
const Unmapped ledger.Category = ""

// Mapping resolves free-text leave-type labels to ledger categories.
// Labels are compared case- and accent-insensitively.
type Mapping struct {
	labels map[string]ledger.Category
}

func NewMapping(entries map[string]ledger.Category) Mapping {
	m := Mapping{labels: make(map[string]ledger.Category, len(entries))}
	for label, c := range entries {
		m.labels[entitlement.Fold(label)] = c
	}
	return m
}

// DefaultMapping covers the French labels of the HR platform and their
// English equivalents.
func DefaultMapping() Mapping {
	return NewMapping(map[string]ledger.Category{
		"CA":                   ledger.CategoryAnnual,
		"Congés annuels":       ledger.CategoryAnnual,
		"Congés payés":         ledger.CategoryAnnual,
		"CP":                   ledger.CategoryAnnual,
		"Annual leave":         ledger.CategoryAnnual,
		"Paid leave":           ledger.CategoryAnnual,
		"CT":                   ledger.CategoryQuarterly,
		"Congés trimestriels":  ledger.CategoryQuarterly,
		"Quarterly leave":      ledger.CategoryQuarterly,
		"RTT":                  ledger.CategoryRTT,
		"REC":                  ledger.CategoryRecovery,
		"Récupération":         ledger.CategoryRecovery,
		"Time off in lieu":     ledger.CategoryRecovery,
		"CEX":                  ledger.CategoryExceptional,
		"Congés exceptionnels": ledger.CategoryExceptional,
		"Événement familial":   ledger.CategoryExceptional,
		"Exceptional leave":    ledger.CategoryExceptional,

		"Maladie":              Unmapped,
		"Arrêt maladie":        Unmapped,
		"Sick leave":           Unmapped,
		"Accident du travail":  Unmapped,
		"Absence injustifiée":  Unmapped,
		"Unauthorized absence": Unmapped,
		"Congé sans solde":     Unmapped,
		"Unpaid leave":         Unmapped,
	})
}

// Resolve returns the category of label. known is false when the label is
// not in the table; the category is then Unmapped.
func (m Mapping) Resolve(label string) (c ledger.Category, known bool) {
	c, known = m.labels[entitlement.Fold(label)]
	return c, known
}

// Len returns the number of labels in the table.
func (m Mapping) Len() int { return len(m.labels) }

// Entries returns a copy of the table keyed by folded label.
func (m Mapping) Entries() map[string]ledger.Category {
	out := make(map[string]ledger.Category, len(m.labels))
	for k, v := range m.labels {
		out[k] = v
	}
	return out
}
