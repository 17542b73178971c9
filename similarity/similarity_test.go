package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wardnb/autonomous-dev-team/core"
)

func TestSameIssueByTitleJaccard(t *testing.T) {
	a := core.Issue{Title: "Login button misaligned on mobile"}
	b := core.Issue{Title: "Login button is misaligned on mobile view"}
	assert.True(t, SameIssue(a, b, DefaultThreshold))
}

func TestSameIssueByDescriptionSubstring(t *testing.T) {
	a := core.Issue{Title: "totally different title", Description: "the button overlaps the footer"}
	b := core.Issue{Title: "another unrelated title", Description: "users report that the button overlaps the footer on small screens"}
	assert.True(t, SameIssue(a, b, DefaultThreshold))
}

func TestSameIssueUnrelated(t *testing.T) {
	a := core.Issue{Title: "Login button misaligned", Description: "button overlaps footer"}
	b := core.Issue{Title: "Export times out on large datasets", Description: "CSV export hangs"}
	assert.False(t, SameIssue(a, b, DefaultThreshold))
}

func TestExtractFileReferences(t *testing.T) {
	text := "Looks like auth/handlers.go calls POST /api/v1/login and renders templates/login.html incorrectly."
	refs := ExtractFileReferences(text, nil)
	assert.Contains(t, refs, "auth/handlers.go")
	assert.Contains(t, refs, "templates/login.html")
	assert.Contains(t, refs, "/api/v1/login")
}

func TestExtractFileReferencesDedup(t *testing.T) {
	text := "see auth/handlers.go and also auth/handlers.go again"
	refs := ExtractFileReferences(text, nil)
	count := 0
	for _, r := range refs {
		if r == "auth/handlers.go" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
