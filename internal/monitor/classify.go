// File: internal/monitor/classify.go
package monitor

import (
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/surface"
)

const (
	maxStepRunes   = 80
	maxStepsKept   = 10
	minBlockRunes  = 40
	dedupeKeyRunes = 60
	maxResultRunes = 20000

	// Blocks shorter than this are candidates for the UI-chrome and
	// prompt-echo filters; long prose never is.
	shortBlockRunes = 160
)

// stepPatterns match the progress narration the research surface renders
// while a task runs. Each capture is one step description.
var stepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)searching (?:the web )?for [^\n]{1,120}`),
	regexp.MustCompile(`(?i)reading [^\n]{1,120}`),
	regexp.MustCompile(`(?i)visiting [^\n]{1,120}`),
	regexp.MustCompile(`(?i)browsing [^\n]{1,120}`),
	regexp.MustCompile(`(?i)reviewing [^\n]{1,120}`),
	regexp.MustCompile(`(?i)analyzing [^\n]{1,120}`),
	regexp.MustCompile(`(?i)summarizing [^\n]{1,120}`),
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// Classify turns one page observation into a task status. Busy signals are
// authoritative: a live stop control or spinner means working no matter
// what completion text is visible, because finished-task phrasing from an
// earlier turn stays on the page while the next turn runs.
func Classify(sig schemas.PageSignals, profile *surface.Profile) schemas.TaskStatus {
	if sig.HasActiveStopControl || sig.HasSpinner {
		return schemas.StatusWorking
	}
	busyText := hasWorkingPhrase(sig.BodyText, profile)
	if sig.HasStepsCompleted {
		return schemas.StatusCompleted
	}
	// A sources-reviewed marker can linger from the previous turn while the
	// next one narrates progress, so it only counts when the body text is
	// quiet. A follow-up prompt alone is just the idle input; it signals
	// completion only once answer content exists.
	if sig.HasSourcesReviewed && !busyText {
		return schemas.StatusCompleted
	}
	if sig.HasFollowUpPrompt && (sig.RichBlockCount > 0 || sig.LastBlockText != "") {
		return schemas.StatusCompleted
	}
	if busyText {
		return schemas.StatusWorking
	}
	return schemas.StatusIdle
}

func hasWorkingPhrase(bodyText string, profile *surface.Profile) bool {
	lower := strings.ToLower(bodyText)
	for _, phrase := range profile.WorkingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ExtractSteps pulls progress-step descriptions out of visible body text.
// Matches are reported in document order, deduplicated preserving first
// occurrence, truncated to a display length, and capped to the most recent
// entries. Calling it twice on the same text yields the same steps.
func ExtractSteps(text string) []string {
	type match struct {
		pos  int
		text string
	}
	var matches []match
	for _, pat := range stepPatterns {
		for _, loc := range pat.FindAllStringIndex(text, -1) {
			matches = append(matches, match{pos: loc[0], text: text[loc[0]:loc[1]]})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	seen := make(map[string]struct{}, len(matches))
	steps := make([]string, 0, len(matches))
	for _, m := range matches {
		step := truncateRunes(strings.TrimSpace(m.text), maxStepRunes)
		key := strings.ToLower(step)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		steps = append(steps, step)
	}

	if len(steps) > maxStepsKept {
		steps = steps[len(steps)-maxStepsKept:]
	}
	return steps
}

// CleanResult turns raw rich-content blocks into the final answer text.
// The filter chain drops UI chrome, sub-sentence fragments and the echoed
// prompt, deduplicates near-identical blocks by prefix, strips boilerplate
// lines, normalizes whitespace and enforces the hard size cap.
func CleanResult(blocks []string, profile *surface.Profile) string {
	kept := make([]string, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		runes := []rune(block)
		if len(runes) < minBlockRunes {
			continue
		}
		if len(runes) < shortBlockRunes {
			if isUIChrome(block, profile) {
				continue
			}
			// A short block ending in a question mark is the echoed
			// prompt, not answer content.
			if strings.HasSuffix(block, "?") {
				continue
			}
		}
		key := strings.ToLower(truncateRunes(block, dedupeKeyRunes))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, block)
	}

	result := strings.Join(kept, "\n\n")
	result = stripBoilerplate(result, profile)
	result = normalizeWhitespace(result)
	return truncateRunes(result, maxResultRunes)
}

func isUIChrome(block string, profile *surface.Profile) bool {
	lower := strings.ToLower(block)
	for _, phrase := range profile.UIChromePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func stripBoilerplate(text string, profile *surface.Profile) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		drop := false
		for _, b := range profile.BoilerplateLines {
			if trimmed == b {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// normalizeWhitespace collapses runs of spaces and excess blank lines while
// preserving paragraph breaks.
func normalizeWhitespace(text string) string {
	text = spaceRuns.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// IsFresh reports whether the observed response area differs from the
// pre-submission baseline. A nil baseline means nothing to compare against,
// so any content counts as fresh.
func IsFresh(baseline *schemas.Baseline, sig schemas.PageSignals) bool {
	if baseline == nil {
		return true
	}
	return sig.RichBlockCount != baseline.RichBlockCount ||
		sig.LastBlockText != baseline.LastBlockText
}

// ClassifyLogin decides the login state from visible text and whether an
// account affordance (avatar, profile menu) is present. The affordance
// overrides phrasing; otherwise phrase counts decide, with ties going to
// logged in when any logged-in indicator showed up at all.
func ClassifyLogin(bodyText string, hasAccountAffordance bool, profile *surface.Profile) schemas.LoginState {
	if hasAccountAffordance {
		return schemas.LoggedIn
	}
	lower := strings.ToLower(bodyText)
	out := countHits(lower, profile.LoggedOutPhrases)
	in := countHits(lower, profile.LoggedInPhrases)
	if out > in {
		return schemas.LoggedOut
	}
	if in > 0 {
		return schemas.LoggedIn
	}
	return schemas.LoggedOut
}

func countHits(lower string, phrases []string) int {
	hits := 0
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			hits++
		}
	}
	return hits
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
