package sandbox

import (
	"sort"
	"strings"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// PredefinedQuery is a named query a caller may submit by name instead of
// SQL text. Records are already scoped to the caller and filtered before
// the query runs.
type PredefinedQuery struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

var predefinedQueries = map[string]PredefinedQuery{
	"average_by_type": {
		Description: "Average total per CFDI type",
		SQL:         "SELECT type, AVG(total) AS average FROM cfdi GROUP BY type",
	},
	"sum_by_type": {
		Description: "Sum of totals per CFDI type",
		SQL:         "SELECT type, SUM(total) AS total FROM cfdi GROUP BY type",
	},
	"count_by_type": {
		Description: "Number of CFDI per type",
		SQL:         "SELECT type, COUNT(*) AS count FROM cfdi GROUP BY type",
	},
	"min_total_by_type": {
		Description: "Smallest total per CFDI type",
		SQL:         "SELECT type, MIN(total) AS min_total FROM cfdi GROUP BY type",
	},
	"max_total_by_type": {
		Description: "Largest total per CFDI type",
		SQL:         "SELECT type, MAX(total) AS max_total FROM cfdi GROUP BY type",
	},
	"top_10_by_total": {
		Description: "The ten CFDI with the largest totals",
		SQL:         "SELECT uuid, total FROM cfdi ORDER BY total DESC LIMIT 10",
	},
	"total_by_issuer": {
		Description: "Sum of totals per issuer",
		SQL:         "SELECT issuer_id, SUM(total) AS total_by_issuer FROM cfdi GROUP BY issuer_id",
	},
	"avg_by_date": {
		Description: "Average total per issue day",
		SQL:         "SELECT DATE(issue_date) AS date, AVG(total) AS avg_total FROM cfdi GROUP BY DATE(issue_date)",
	},
	"total_by_currency": {
		Description: "Sum of totals per currency",
		SQL:         "SELECT currency, SUM(total) AS total_by_currency FROM cfdi GROUP BY currency",
	},
	"count_by_payment_method": {
		Description: "Number of CFDI per payment method",
		SQL:         "SELECT payment_method, COUNT(*) AS count_by_method FROM cfdi GROUP BY payment_method",
	},
	"count_by_cfdi_use": {
		Description: "Number of CFDI per CFDI use",
		SQL:         "SELECT cfdi_use, COUNT(*) AS count_by_use FROM cfdi GROUP BY cfdi_use",
	},
}

// PredefinedQueries lists the named queries ordered by name.
func PredefinedQueries() []PredefinedQuery {
	out := make([]PredefinedQuery, 0, len(predefinedQueries))
	for name, q := range predefinedQueries {
		q.Name = name
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// resolveQuery expands a predefined query name to its SQL.
func resolveQuery(script string) string {
	if q, ok := predefinedQueries[strings.TrimSpace(script)]; ok {
		return q.SQL
	}
	return script
}

// Example is a sample script for one language and level.
type Example struct {
	Language      domain.Language      `json:"language"`
	AnalysisLevel domain.AnalysisLevel `json:"analysis_level"`
	Title         string               `json:"title"`
	Script        string               `json:"script"`
}

// Examples returns one sample script per language and level.
func Examples() []Example {
	return []Example{
		{domain.LanguagePython, domain.LevelBasic, "Total amount",
			"result = float(data['total'].sum())"},
		{domain.LanguagePython, domain.LevelIntermediate, "Totals per type",
			"result = data.groupby('type')['total'].agg(['count', 'sum', 'mean']).reset_index()"},
		{domain.LanguagePython, domain.LevelAdvanced, "Monthly trend",
			"data['month'] = data['issue_date'].str[:7]\n" +
				"monthly = data.groupby('month')['total'].sum()\n" +
				"result = {'monthly': monthly.to_dict(), 'growth': monthly.pct_change().fillna(0).to_dict()}"},
		{domain.LanguageR, domain.LevelBasic, "Total amount",
			"result <- sum(data$total)"},
		{domain.LanguageR, domain.LevelIntermediate, "Totals per type",
			"result <- aggregate(total ~ type, data = data, FUN = sum)"},
		{domain.LanguageR, domain.LevelAdvanced, "Summary by currency",
			"result <- lapply(split(data$total, data$currency), summary)"},
		{domain.LanguageSQL, domain.LevelBasic, "Count per type",
			"SELECT type, COUNT(*) AS n FROM cfdi GROUP BY type"},
		{domain.LanguageSQL, domain.LevelIntermediate, "Top issuers",
			"SELECT i.name_issuer, SUM(c.total) AS total\nFROM cfdi c JOIN issuer i ON i.rfc_issuer = c.issuer_id\nGROUP BY i.name_issuer ORDER BY total DESC LIMIT 10"},
		{domain.LanguageSQL, domain.LevelAdvanced, "Monthly running total",
			"WITH monthly AS (\n  SELECT substr(issue_date, 1, 7) AS month, SUM(total) AS total FROM cfdi GROUP BY month\n)\nSELECT month, total, SUM(total) OVER (ORDER BY month) AS running_total FROM monthly"},
	}
}
