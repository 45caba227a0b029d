package answer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/dataset"
)

var (
	mostWords    = []string{"most", "highest", "largest", "top", "greatest", "max", "maximum"}
	leastWords   = []string{"fewest", "least", "lowest", "smallest", "min", "minimum"}
	fastWords    = []string{"fastest", "quickest", "shortest", "lowest", "best"}
	slowWords    = []string{"slowest", "longest", "highest", "worst"}
	rowWords     = []string{"rows", "records", "entries", "lines", "row", "record"}
	datasetWords = []string{"many", "there", "total", "dataset", "data", "feed", "sheet", "spreadsheet", "file", "have", "has", "all", "it", "contain", "contains", "tickets", "ticket"}
	roleWords    = map[string]bool{"agent": true, "agents": true, "resolver": true, "owner": true, "assignee": true, "person": true, "team": true, "category": true, "status": true}
	handledWords = []string{"ticket", "tickets", "resolve", "resolved", "resolves", "assigned", "handled", "handle", "who", "closed"}
)

// Direct is a deterministic answer read off a verified metric result.
type Direct struct {
	Text   string
	StepID string
}

// question is the normalized form the matchers work on.
type question struct {
	raw    string
	lower  string
	tokens []string
	set    map[string]bool
}

func parseQuestion(q string) question {
	tokens := analysis.Tokenize(q)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return question{raw: q, lower: strings.ToLower(q), tokens: tokens, set: set}
}

func (q question) hasAny(words []string) bool {
	for _, w := range words {
		if q.set[w] {
			return true
		}
	}
	return false
}

// noun is the plural word following one of the given keywords, such as
// "tickets" in "who resolved the most tickets". It defaults to "records".
func (q question) noun(after []string) string {
	for i, t := range q.tokens {
		for _, w := range after {
			if t == w && i+1 < len(q.tokens) {
				next := q.tokens[i+1]
				if isPluralWord(next) && !roleWords[next] {
					return next
				}
			}
		}
	}
	if q.set["tickets"] || q.set["ticket"] {
		return "tickets"
	}
	return "records"
}

// coveredBy reports whether every token of the question is one of words.
// A leftover token is a filter the metric result cannot account for.
func (q question) coveredBy(words ...[]string) bool {
	allowed := make(map[string]bool)
	for _, ws := range words {
		for _, w := range ws {
			allowed[w] = true
		}
	}
	for _, t := range q.tokens {
		if !allowed[t] {
			return false
		}
	}
	return true
}

func isPluralWord(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return len(s) > 3 && strings.HasSuffix(s, "s")
}

// MatchDirect tries to answer q from results alone. It recognizes
// superlative questions over counts ("who resolved the most tickets"),
// speed questions over grouped aggregates ("which agent is fastest"),
// per-label counts ("how many tickets did Alex handle") and row-count
// questions. It returns false when no result matches confidently.
func MatchDirect(q string, results []analysis.MetricResult) (Direct, bool) {
	pq := parseQuestion(q)
	if len(pq.tokens) == 0 {
		return Direct{}, false
	}

	// Speed questions mention the measured value or an unambiguous speed
	// word; try them first so "highest resolution time" is not read as a
	// count question.
	if aggregateFirst(pq, results) {
		if d, ok := matchAggregate(pq, results); ok {
			return d, true
		}
	}
	if pq.hasAny(mostWords) || pq.hasAny(leastWords) {
		if d, ok := matchSuperlativeCount(pq, results); ok {
			return d, true
		}
	}
	if pq.hasAny(fastWords) || pq.hasAny(slowWords) {
		if d, ok := matchAggregate(pq, results); ok {
			return d, true
		}
	}
	if strings.Contains(pq.lower, "how many") {
		if d, ok := matchLabelCount(pq, results); ok {
			return d, true
		}
		if d, ok := matchRowCount(pq, results); ok {
			return d, true
		}
	}
	return Direct{}, false
}

func aggregateFirst(q question, results []analysis.MetricResult) bool {
	if q.hasAny([]string{"fastest", "quickest", "slowest", "longest", "shortest", "time", "duration", "average", "mean"}) {
		return true
	}
	for _, r := range results {
		if r.Task == analysis.TaskAggregate && len(r.Groups) > 0 && analysis.MentionsColumn(q.raw, r.Column) {
			return true
		}
	}
	return false
}

// matchCountColumn picks the count result a question refers to: by column
// name or role word first, then for "who handled" style questions the
// resolver or agent column.
func matchCountColumn(q question, results []analysis.MetricResult) (analysis.MetricResult, bool) {
	var counts []analysis.MetricResult
	for _, r := range results {
		if r.Task == analysis.TaskCount && len(r.Values) > 0 {
			counts = append(counts, r)
		}
	}
	for _, r := range counts {
		role := dataset.InferRole(r.Column, false)
		if analysis.MentionsColumn(q.raw, r.Column) || (role != dataset.RoleNone && q.set[string(role)]) {
			return r, true
		}
	}
	if q.hasAny(handledWords) {
		for _, r := range counts {
			if dataset.InferRole(r.Column, false).IsEntity() {
				return r, true
			}
		}
	}
	return analysis.MetricResult{}, false
}

func knownValues(values []analysis.LabelValue) []analysis.LabelValue {
	out := make([]analysis.LabelValue, 0, len(values))
	for _, v := range values {
		if v.Label != analysis.UnknownLabel {
			out = append(out, v)
		}
	}
	return out
}

func matchSuperlativeCount(q question, results []analysis.MetricResult) (Direct, bool) {
	r, ok := matchCountColumn(q, results)
	if !ok {
		return Direct{}, false
	}
	values := knownValues(r.Values)
	if len(values) == 0 {
		return Direct{}, false
	}
	least := q.hasAny(leastWords) && !q.hasAny(mostWords)
	if least {
		sort.SliceStable(values, func(i, j int) bool {
			if values[i].Value != values[j].Value {
				return values[i].Value < values[j].Value
			}
			return values[i].Label < values[j].Label
		})
	}

	top := values[0]
	entity := dataset.InferRole(r.Column, false).IsEntity()
	noun := q.noun(append(append([]string{}, mostWords...), leastWords...))
	var text string
	switch {
	case entity && !least:
		text = fmt.Sprintf("%s handled %s %s.", top.Label, analysis.FormatNumber(top.Value), noun)
	case entity:
		text = fmt.Sprintf("%s handled the fewest %s (%s).", top.Label, noun, analysis.FormatNumber(top.Value))
	case !least:
		text = fmt.Sprintf("%s is the most common %s (%s %s).", top.Label, r.Column, analysis.FormatNumber(top.Value), noun)
	default:
		text = fmt.Sprintf("%s is the least common %s (%s %s).", top.Label, r.Column, analysis.FormatNumber(top.Value), noun)
	}
	text += nextLabels(values[1:], 2)
	return Direct{Text: text, StepID: r.StepID}, true
}

func nextLabels(values []analysis.LabelValue, n int) string {
	if len(values) == 0 {
		return ""
	}
	if len(values) > n {
		values = values[:n]
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Label + " " + analysis.FormatNumber(v.Value)
	}
	return " Next: " + strings.Join(parts, ", ") + "."
}

// matchAggregate answers fastest/slowest questions from grouped aggregates.
// Lower means are faster. The group column must be named in the question,
// by name or role, or be a resolver column when tickets are mentioned.
func matchAggregate(q question, results []analysis.MetricResult) (Direct, bool) {
	if !q.hasAny(fastWords) && !q.hasAny(slowWords) {
		return Direct{}, false
	}
	slow := q.hasAny(slowWords) && !q.hasAny(fastWords)

	var best *analysis.MetricResult
	bestScore := 0
	for i, r := range results {
		if r.Task != analysis.TaskAggregate || r.GroupBy == "" || len(r.Groups) == 0 {
			continue
		}
		role := dataset.InferRole(r.GroupBy, false)
		groupNamed := analysis.MentionsColumn(q.raw, r.GroupBy) ||
			(role != dataset.RoleNone && q.set[string(role)]) ||
			(role == dataset.RoleResolver && (q.set["ticket"] || q.set["tickets"]))
		if !groupNamed {
			continue
		}
		score := 1
		if analysis.MentionsColumn(q.raw, r.Column) {
			score = 2
		}
		if score > bestScore {
			best, bestScore = &results[i], score
		}
	}
	if best == nil {
		return Direct{}, false
	}

	groups := make([]analysis.GroupStats, 0, len(best.Groups))
	for _, g := range best.Groups {
		if g.Label != analysis.UnknownLabel {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return Direct{}, false
	}
	// Groups are ordered by ascending mean.
	descriptor := "fastest"
	if slow {
		descriptor = "slowest"
		for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
			groups[i], groups[j] = groups[j], groups[i]
		}
	}

	top := groups[0]
	value := strings.ReplaceAll(best.Column, "_", " ")
	text := fmt.Sprintf("%s is the %s for %s (%.2f).", top.Label, descriptor, value, top.Mean)
	if len(groups) > 1 {
		peers := groups[1:]
		if len(peers) > 2 {
			peers = peers[:2]
		}
		parts := make([]string, len(peers))
		for i, g := range peers {
			parts[i] = fmt.Sprintf("%s (%.2f)", g.Label, g.Mean)
		}
		text += " Next: " + strings.Join(parts, ", ") + "."
	}
	return Direct{Text: text, StepID: best.StepID}, true
}

// matchLabelCount answers "how many X did <label> ..." when exactly one
// count result has a label named in the question.
func matchLabelCount(q question, results []analysis.MetricResult) (Direct, bool) {
	var (
		found   analysis.MetricResult
		label   analysis.LabelValue
		matches int
	)
	for _, r := range results {
		if r.Task != analysis.TaskCount {
			continue
		}
		for _, v := range knownValues(r.Values) {
			if labelMentioned(q, v.Label) {
				found, label = r, v
				matches++
			}
		}
	}
	if matches != 1 {
		return Direct{}, false
	}
	noun := q.noun([]string{"many"})
	if !q.coveredBy(datasetWords, handledWords, rowWords, []string{noun},
		analysis.Tokenize(label.Label), analysis.Tokenize(found.Column)) {
		return Direct{}, false
	}
	var text string
	if dataset.InferRole(found.Column, false).IsEntity() {
		text = fmt.Sprintf("%s handled %s %s.", label.Label, analysis.FormatNumber(label.Value), noun)
	} else {
		text = fmt.Sprintf("%s %s: %s %s.", found.Column, label.Label, analysis.FormatNumber(label.Value), noun)
	}
	return Direct{Text: text, StepID: found.StepID}, true
}

func labelMentioned(q question, label string) bool {
	tokens := analysis.Tokenize(label)
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if !q.set[t] {
			return false
		}
	}
	return true
}

// matchRowCount answers "how many rows are there" style questions. Any
// other word in the question, such as a verb or a date, leaves it to
// retrieval.
func matchRowCount(q question, results []analysis.MetricResult) (Direct, bool) {
	if !q.hasAny(rowWords) && !q.set["tickets"] {
		return Direct{}, false
	}
	if !q.coveredBy(rowWords, datasetWords) {
		return Direct{}, false
	}
	for _, r := range results {
		if r.Task != analysis.TaskDescribe {
			continue
		}
		rows, ok := r.Stat("rows")
		if !ok {
			continue
		}
		noun := q.noun([]string{"many"})
		return Direct{
			Text:   fmt.Sprintf("The dataset has %s %s.", analysis.FormatNumber(rows), noun),
			StepID: r.StepID,
		}, true
	}
	return Direct{}, false
}
