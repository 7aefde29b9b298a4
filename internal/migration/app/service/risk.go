package service

import (
	"fmt"
	"sort"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// HighRiskRowThreshold is the number of affected rows above which deleting data is high risk
const HighRiskRowThreshold int64 = 1000

// ImpactSummary aggregates table impacts
type ImpactSummary struct {
	AffectedTables    []string
	WillDropTables    bool
	WillDropColumns   bool
	WillDeleteData    bool
	TotalRowsAffected int64
}

// SummarizeImpacts folds table impacts into a summary. Affected tables keep
// first-seen order without duplicates.
func SummarizeImpacts(impacts []model.TableImpact) ImpactSummary {
	var summary ImpactSummary
	seen := make(map[string]struct{}, len(impacts))

	for _, impact := range impacts {
		if _, ok := seen[impact.Table]; !ok {
			seen[impact.Table] = struct{}{}
			summary.AffectedTables = append(summary.AffectedTables, impact.Table)
		}
		if impact.WillDropTable {
			summary.WillDropTables = true
		}
		if impact.DropsColumns() {
			summary.WillDropColumns = true
		}
		if impact.DeletesData() {
			summary.WillDeleteData = true
		}
		summary.TotalRowsAffected += impact.RowsToBeDeleted
	}
	return summary
}

type riskRule struct {
	level model.RiskLevel
	match func(ImpactSummary) bool
}

// riskRules are evaluated in order; the first match wins
var riskRules = []riskRule{
	{model.RiskCritical, func(s ImpactSummary) bool { return s.WillDropTables }},
	{model.RiskHigh, func(s ImpactSummary) bool {
		return s.WillDeleteData && s.TotalRowsAffected > HighRiskRowThreshold
	}},
	{model.RiskMedium, func(s ImpactSummary) bool { return s.WillDropColumns }},
}

// ClassifyRisk maps an impact summary to a risk level
func ClassifyRisk(s ImpactSummary) model.RiskLevel {
	for _, rule := range riskRules {
		if rule.match(s) {
			return rule.level
		}
	}
	return model.RiskLow
}

// impactWarnings describes the destructive parts of a rollback
func impactWarnings(impacts []model.TableImpact) []string {
	var warnings []string
	for _, impact := range impacts {
		switch {
		case impact.WillDropTable:
			warnings = append(warnings, fmt.Sprintf("table %s will be dropped (%d rows)", impact.Table, impact.CurrentRowCount))
		case impact.DropsColumns():
			columns := append([]string(nil), impact.AffectedColumns...)
			sort.Strings(columns)
			warnings = append(warnings, fmt.Sprintf("columns %v of table %s will be dropped", columns, impact.Table))
		}
		if !impact.WillDropTable && impact.DeletesData() {
			warnings = append(warnings, fmt.Sprintf("%d rows will be deleted from %s", impact.RowsToBeDeleted, impact.Table))
		}
	}
	return warnings
}
