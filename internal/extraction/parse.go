package extraction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/opensource-finance/claimflow/internal/domain"
)

var (
	amountRx    = regexp.MustCompile(`(?i)(?:[$€£]|\b(?:usd|eur|gbp)\b|\b(?:total|amount|due|subtotal|balance)\b[^\d\n]{0,20})\s*(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	isoDateRx   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDateRx = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	longDateRx  = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2}),?\s+(\d{4})\b`)
	nameRx      = regexp.MustCompile(`(?im)^[ \t]*(?:name|patient|insured|claimant|policyholder|officer|bill to|holder)[ \t]*:[ \t]*([a-z][a-z'\-]+(?:[ \t]+[a-z][a-z'\-]+){0,3})[ \t]*$`)
	reportNoRx  = regexp.MustCompile(`(?i)\b(?:report|case|incident)\s*(?:no\.?|number|#)\s*:?\s*[a-z0-9\-]{3,}`)
)

var kindKeywords = map[domain.DocumentKind][]string{
	domain.DocInvoice:          {"invoice", "bill to", "subtotal", "total due", "amount due", "receipt"},
	domain.DocMedicalReport:    {"patient", "diagnosis", "treatment", "physician", "hospital", "clinic"},
	domain.DocPoliceReport:     {"police", "officer", "incident", "report number", "case number", "precinct"},
	domain.DocIdentity:         {"passport", "date of birth", "nationality", "identity", "driver license", "licence"},
	domain.DocInspectionReport: {"inspection", "inspector", "damage assessment", "surveyor", "findings"},
}

// title is per call: a Caser keeps state and is not safe for concurrent use.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// DetectKind guesses the document kind from keywords in its text.
// Text with no keyword hits is DocOther.
func DetectKind(text string) domain.DocumentKind {
	lower := strings.ToLower(text)
	best, bestHits := domain.DocOther, 0

	kinds := make([]string, 0, len(kindKeywords))
	for k := range kindKeywords {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	for _, k := range kinds {
		hits := 0
		for _, kw := range kindKeywords[domain.DocumentKind(k)] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = domain.DocumentKind(k), hits
		}
	}
	return best
}

// Parse extracts amounts, dates and names from text and checks the
// structure expected for kind.
func Parse(kind domain.DocumentKind, text string) (domain.ExtractedFields, domain.ValidationOutcome) {
	fields := domain.ExtractedFields{
		Amounts: parseAmounts(text),
		Dates:   parseDates(text),
		Names:   parseNames(text),
	}

	var issues []string
	if strings.TrimSpace(text) == "" {
		issues = append(issues, "document has no text")
	}

	switch kind {
	case domain.DocInvoice:
		if len(fields.Amounts) == 0 {
			issues = append(issues, "invoice has no amount")
		}
		if len(fields.Dates) == 0 {
			issues = append(issues, "invoice has no date")
		}
	case domain.DocMedicalReport:
		if len(fields.Dates) == 0 {
			issues = append(issues, "medical report has no date")
		}
		if len(fields.Names) == 0 {
			issues = append(issues, "medical report names no patient")
		}
	case domain.DocPoliceReport:
		if len(fields.Dates) == 0 {
			issues = append(issues, "police report has no date")
		}
		if !reportNoRx.MatchString(text) {
			issues = append(issues, "police report has no report number")
		}
	case domain.DocIdentity:
		if len(fields.Names) == 0 {
			issues = append(issues, "identity document has no name")
		}
		if len(fields.Dates) == 0 {
			issues = append(issues, "identity document has no date")
		}
	}

	detected := DetectKind(text)
	matches := kind == domain.DocOther || detected == kind
	if !matches {
		issues = append(issues, "content looks like "+string(detected)+", expected "+string(kind))
	}

	return fields, domain.ValidationOutcome{
		Valid:               len(issues) == 0,
		MatchesExpectedType: matches,
		Issues:              issues,
	}
}

func parseAmounts(text string) []float64 {
	var out []float64
	for _, m := range amountRx.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func parseDates(text string) []time.Time {
	var out []time.Time
	add := func(y, m, d int) {
		t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		// time.Date normalises out-of-range values; reject those.
		if t.Year() == y && int(t.Month()) == m && t.Day() == d {
			out = append(out, t)
		}
	}

	for _, m := range isoDateRx.FindAllStringSubmatch(text, -1) {
		add(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	for _, m := range slashDateRx.FindAllStringSubmatch(text, -1) {
		add(atoi(m[3]), atoi(m[2]), atoi(m[1])) // day/month/year
	}
	for _, m := range longDateRx.FindAllStringSubmatch(text, -1) {
		month, err := time.Parse("January", title(m[1]))
		if err != nil {
			continue
		}
		add(atoi(m[3]), int(month.Month()), atoi(m[2]))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func parseNames(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range nameRx.FindAllStringSubmatch(text, -1) {
		name := title(strings.Join(strings.Fields(m[1]), " "))
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
