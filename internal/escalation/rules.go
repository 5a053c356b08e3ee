package escalation

import (
	"regexp"
	"strconv"
	"strings"

	"orgsim/internal/domain"
)

// Rule is a caller-supplied escalation predicate. The first matching custom
// rule contributes its reason; a rule without a reason gets a default text.
type Rule struct {
	Name   string
	Reason string
	Match  func(task domain.Task, result *domain.ExecResult) bool
}

const defaultCustomReason = "custom escalation rule matched"

var explicitMarkers = []string{
	"ceo approval",
	"ceo decision",
	"requires ceo",
	"escalate to ceo",
	"executive decision",
	"board approval",
}

var riskKeywords = []string{
	"legal liability",
	"compliance violation",
	"security incident",
	"data breach",
	"lawsuit",
	"regulatory",
	"fraud",
	"whistleblower",
	"sanction",
}

var strategicKeywords = []string{
	"strategic direction",
	"company policy",
	"organizational change",
	"new market",
	"product pivot",
	"partnership",
	"acquisition",
	"investment",
	"rebrand",
}

// roleRules are per-role phrases that demand supervisor sign-off when they
// show up in a task handled by that role.
var roleRules = map[string][]string{
	"cfo":  {"major investment", "audit finding", "budget overrun"},
	"cto":  {"architecture change", "vendor switch", "platform migration"},
	"clo":  {"contract signature", "settlement offer"},
	"chro": {"executive hiring", "executive termination", "workforce reduction"},
	"ciso": {"security breach", "incident disclosure"},
	"coo":  {"plant shutdown", "supply chain failure"},
}

// criticalReasonTerms force a CRITICAL classification when they appear in
// any accumulated reason text.
var criticalReasonTerms = []string{"security", "breach", "legal", "compliance"}

var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\s*([0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`(?i)\b([0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]+)?)\s*(?:dollars|usd)\b`),
	regexp.MustCompile(`(?i)\b([0-9]+(?:\.[0-9]+)?)\s*(?:dollars|usd)\b`),
}

// extractAmounts pulls dollar figures out of free text: plain, comma-grouped,
// decimal, and "X dollars"/"X USD" spellings.
func extractAmounts(text string) []float64 {
	if text == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []float64
	for _, re := range amountPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			raw := strings.ReplaceAll(m[1], ",", "")
			if _, dup := seen[raw]; dup {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			seen[raw] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func mentionsContract(text string) bool {
	return strings.Contains(strings.ToLower(text), "contract")
}

func containsAny(haystack string, needles []string) []string {
	lower := strings.ToLower(haystack)
	var hits []string
	for _, n := range needles {
		if strings.Contains(lower, n) {
			hits = append(hits, n)
		}
	}
	return hits
}
