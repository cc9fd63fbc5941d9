package entitlement

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// TEXT FOLDING
// =============================================================================

// Fold lowercases s and strips accents, so "Éducateur Spécialisé" matches
// "educateur specialise".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(out)), " ")
}

// Classify returns ClassA if any keyword occurs in the job category or title.
func Classify(jobCategory, jobTitle string, keywords []string) Classification {
	text := Fold(jobCategory + " " + jobTitle)
	for _, kw := range keywords {
		k := Fold(kw)
		if k != "" && strings.Contains(text, k) {
			return ClassA
		}
	}
	return ClassB
}

// =============================================================================
// HIRE DATE
// =============================================================================

var hireDateLayouts = []string{
	"2/1/2006", // day first, leading zeros optional
	"2006-01-02", // year first
	time.RFC3339,
}

// ParseHireDate accepts day-first and year-first dates. An empty string is
// not an error; ok is false and no bonus applies.
func ParseHireDate(s string) (t time.Time, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range hireDateLayouts {
		if parsed, perr := time.Parse(layout, s); perr == nil {
			return parsed.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable hire date %q", s)
}

// FullYears returns the number of complete years between from and to.
func FullYears(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	return years
}

// =============================================================================
// WORK TIME
// =============================================================================

var (
	percentRe  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)
	fractionRe = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	numberRe   = regexp.MustCompile(`^\d+(?:[.,]\d+)?$`)
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
	half    = decimal.RequireFromString("0.5")
)

// ParseWorkTime returns the work-time fraction described by s. Recognized
// forms: "80%", "4/5", "0.8", "80", free text with a number, and bare
// "part-time" (partTime) or "full-time" (1). Anything else is full-time
// with a non-nil err describing why.
func ParseWorkTime(s string, partTime decimal.Decimal) (decimal.Decimal, error) {
	text := Fold(s)
	if text == "" {
		return one, nil
	}

	var (
		frac  decimal.Decimal
		found bool
	)
	switch {
	case percentRe.MatchString(text):
		m := percentRe.FindStringSubmatch(text)
		frac, found = parseNumber(m[1]).Div(hundred), true
	case fractionRe.MatchString(text):
		m := fractionRe.FindStringSubmatch(text)
		num, den := parseNumber(m[1]), parseNumber(m[2])
		if den.IsZero() {
			return one, fmt.Errorf("work time %q: zero denominator", s)
		}
		frac, found = num.DivRound(den, 4), true
	case numberRe.MatchString(text):
		frac, found = parseNumber(text), true
		if frac.GreaterThan(one) {
			frac = frac.Div(hundred)
		}
	}
	if found {
		if !frac.IsPositive() || frac.GreaterThan(one) {
			return one, fmt.Errorf("work time %q out of range", s)
		}
		return frac, nil
	}

	switch {
	case strings.Contains(text, "mi-temps"), strings.Contains(text, "half-time"), strings.Contains(text, "half time"):
		return half, nil
	case strings.Contains(text, "part-time"), strings.Contains(text, "part time"),
		strings.Contains(text, "temps partiel"):
		return partTime, nil
	case strings.Contains(text, "full-time"), strings.Contains(text, "full time"),
		strings.Contains(text, "temps plein"), strings.Contains(text, "temps complet"):
		return one, nil
	}
	return one, fmt.Errorf("unrecognized work time %q", s)
}

func parseNumber(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return decimal.Zero
	}
	return d
}
