// File: internal/monitor/classify_test.go
package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserbridge/api/schemas"
	"github.com/xkilldash9x/browserbridge/internal/surface"
)

func TestClassify(t *testing.T) {
	profile := surface.Default()

	testCases := []struct {
		name     string
		sig      schemas.PageSignals
		expected schemas.TaskStatus
	}{
		{
			name:     "StopControlMeansWorking",
			sig:      schemas.PageSignals{HasActiveStopControl: true},
			expected: schemas.StatusWorking,
		},
		{
			name:     "SpinnerMeansWorking",
			sig:      schemas.PageSignals{HasSpinner: true},
			expected: schemas.StatusWorking,
		},
		{
			name: "BusySignalBeatsCompletionText",
			sig: schemas.PageSignals{
				HasActiveStopControl: true,
				HasStepsCompleted:    true,
				HasSourcesReviewed:   true,
			},
			expected: schemas.StatusWorking,
		},
		{
			name: "SpinnerBeatsFollowUpPrompt",
			sig: schemas.PageSignals{
				HasSpinner:        true,
				HasFollowUpPrompt: true,
			},
			expected: schemas.StatusWorking,
		},
		{
			name:     "StepsCompletedWithoutBusyMeansCompleted",
			sig:      schemas.PageSignals{HasStepsCompleted: true},
			expected: schemas.StatusCompleted,
		},
		{
			name:     "SourcesReviewedWithQuietBodyMeansCompleted",
			sig:      schemas.PageSignals{HasSourcesReviewed: true},
			expected: schemas.StatusCompleted,
		},
		{
			name: "StaleSourcesMarkerDuringNarrationMeansWorking",
			sig: schemas.PageSignals{
				HasSourcesReviewed: true,
				BodyText:           "Searching the web for Go generics proposals\n3 sources reviewed",
			},
			expected: schemas.StatusWorking,
		},
		{
			name: "FollowUpPromptWithAnswerContentMeansCompleted",
			sig: schemas.PageSignals{
				HasFollowUpPrompt: true,
				RichBlockCount:    2,
				LastBlockText:     "Generics landed in Go 1.18.",
			},
			expected: schemas.StatusCompleted,
		},
		{
			name:     "BareFollowUpInputMeansIdle",
			sig:      schemas.PageSignals{HasFollowUpPrompt: true},
			expected: schemas.StatusIdle,
		},
		{
			name:     "WorkingPhraseInBodyText",
			sig:      schemas.PageSignals{BodyText: "Comet is searching the web for recent results"},
			expected: schemas.StatusWorking,
		},
		{
			name:     "NothingMeansIdle",
			sig:      schemas.PageSignals{BodyText: "Where knowledge begins"},
			expected: schemas.StatusIdle,
		},
		{
			name:     "EmptySignals",
			sig:      schemas.PageSignals{},
			expected: schemas.StatusIdle,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.sig, profile))
		})
	}
}

func TestExtractSteps(t *testing.T) {
	body := "Working on it\n" +
		"Searching for Go concurrency patterns\n" +
		"Reading go.dev/blog/pipelines\n" +
		"Searching for Go concurrency patterns\n" +
		"Analyzing benchmark results from three sources\n"

	t.Run("DocumentOrderAndDedupe", func(t *testing.T) {
		steps := ExtractSteps(body)
		require.Len(t, steps, 3)
		assert.Equal(t, "Searching for Go concurrency patterns", steps[0])
		assert.Equal(t, "Reading go.dev/blog/pipelines", steps[1])
		assert.Equal(t, "Analyzing benchmark results from three sources", steps[2])
	})

	t.Run("Idempotent", func(t *testing.T) {
		first := ExtractSteps(body)
		second := ExtractSteps(body)
		assert.Equal(t, first, second)
	})

	t.Run("TruncatesLongCaptures", func(t *testing.T) {
		long := "Searching for " + strings.Repeat("x", 200)
		steps := ExtractSteps(long)
		require.Len(t, steps, 1)
		assert.Len(t, []rune(steps[0]), maxStepRunes)
	})

	t.Run("KeepsTheMostRecentTen", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 15; i++ {
			sb.WriteString("Visiting site number ")
			sb.WriteString(strings.Repeat("v", i+1))
			sb.WriteString("\n")
		}
		steps := ExtractSteps(sb.String())
		require.Len(t, steps, maxStepsKept)
		// The first five were dropped, the newest survive.
		assert.Contains(t, steps[len(steps)-1], strings.Repeat("v", 15))
	})

	t.Run("NoMatches", func(t *testing.T) {
		assert.Empty(t, ExtractSteps("final answer with no progress narration"))
	})
}

func TestCleanResult(t *testing.T) {
	profile := surface.Default()
	para := func(seed string) string {
		return seed + ": " + strings.Repeat("solid answer content ", 5)
	}

	t.Run("DropsChromeFragmentsAndEcho", func(t *testing.T) {
		blocks := []string{
			"Share",
			"tiny",
			"What are the best Go concurrency patterns today?",
			para("First"),
			"Related questions you might want to explore next now",
			para("Second"),
		}
		got := CleanResult(blocks, profile)
		assert.Contains(t, got, "First")
		assert.Contains(t, got, "Second")
		assert.NotContains(t, got, "Share")
		assert.NotContains(t, got, "concurrency patterns today?")
		assert.NotContains(t, got, "Related questions")
	})

	t.Run("PrefixDedupe", func(t *testing.T) {
		base := strings.Repeat("duplicate paragraph text ", 4)
		got := CleanResult([]string{base + "tail one", base + "tail two"}, profile)
		assert.Contains(t, got, "tail one")
		assert.NotContains(t, got, "tail two", "same 60-rune prefix collapses to one block")
	})

	t.Run("WhitespaceNormalization", func(t *testing.T) {
		messy := "A  paragraph\twith   ragged    spacing that still carries plenty of content."
		got := CleanResult([]string{messy}, profile)
		assert.Equal(t, "A paragraph with ragged spacing that still carries plenty of content.", got)
	})

	t.Run("TruncatesToExactCap", func(t *testing.T) {
		huge := strings.Repeat("α", maxResultRunes+5000)
		got := CleanResult([]string{huge}, profile)
		assert.Len(t, []rune(got), maxResultRunes)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.Empty(t, CleanResult(nil, profile))
	})
}

func TestIsFresh(t *testing.T) {
	baseline := &schemas.Baseline{RichBlockCount: 4, LastBlockText: "old tail"}

	testCases := []struct {
		name     string
		baseline *schemas.Baseline
		sig      schemas.PageSignals
		expected bool
	}{
		{"NilBaselineIsAlwaysFresh", nil, schemas.PageSignals{RichBlockCount: 4, LastBlockText: "old tail"}, true},
		{"SameCountSameTail", baseline, schemas.PageSignals{RichBlockCount: 4, LastBlockText: "old tail"}, false},
		{"CountDiffers", baseline, schemas.PageSignals{RichBlockCount: 9, LastBlockText: "old tail"}, true},
		{"TailDiffers", baseline, schemas.PageSignals{RichBlockCount: 4, LastBlockText: "new tail"}, true},
		{"BothDiffer", baseline, schemas.PageSignals{RichBlockCount: 9, LastBlockText: "new tail"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsFresh(tc.baseline, tc.sig))
		})
	}
}

func TestClassifyLogin(t *testing.T) {
	profile := surface.Default()

	t.Run("AccountAffordanceOverridesText", func(t *testing.T) {
		state := ClassifyLogin("Sign in Sign up Continue with Google", true, profile)
		assert.Equal(t, schemas.LoggedIn, state)
	})

	t.Run("LoggedOutPhrasesDominate", func(t *testing.T) {
		state := ClassifyLogin("Sign in or sign up to continue with Google", false, profile)
		assert.Equal(t, schemas.LoggedOut, state)
	})

	t.Run("LoggedInPhrasesDominate", func(t *testing.T) {
		state := ClassifyLogin("New Thread Library Settings your threads", false, profile)
		assert.Equal(t, schemas.LoggedIn, state)
	})

	t.Run("TieWithLoggedInIndicatorMeansLoggedIn", func(t *testing.T) {
		state := ClassifyLogin("sign in to sync, or open your Library", false, profile)
		assert.Equal(t, schemas.LoggedIn, state)
	})

	t.Run("NoSignalsMeansLoggedOut", func(t *testing.T) {
		assert.Equal(t, schemas.LoggedOut, ClassifyLogin("", false, profile))
	})
}
