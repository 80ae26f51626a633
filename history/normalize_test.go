package history

import (
	"math/rand"
	"testing"

	"parley/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(text string) model.Message      { return model.NewTextMessage(model.RoleUser, text) }
func assistant(text string) model.Message { return model.NewTextMessage(model.RoleAssistant, text) }

func assistantToolUse(text, id, name string) model.Message {
	m := assistant(text)
	m.Blocks = append(m.Blocks, model.ContentBlock{
		Kind: model.BlockToolUse, ID: id, Name: name, Input: map[string]any{},
	})
	return m
}

func userToolResult(id string) model.Message {
	return model.Message{
		Role: model.RoleUser,
		Blocks: []model.ContentBlock{
			model.NewTextBlock("result follows"),
			{Kind: model.BlockToolResult, ToolUseID: id, Content: []model.ContentBlock{model.NewTextBlock("ok")}},
		},
	}
}

// checkInvariants asserts the universal normalization properties: first is
// user, last is assistant, strict alternation, no adjacent unanchored
// placeholders, tool pairing in both directions.
func checkInvariants(t *testing.T, msgs []model.Message) {
	t.Helper()
	if len(msgs) == 0 {
		return
	}
	assert.Equal(t, model.RoleUser, msgs[0].Role, "history must open with a user turn")
	assert.Equal(t, model.RoleAssistant, msgs[len(msgs)-1].Role, "history must close with an assistant turn")
	for i := 1; i < len(msgs); i++ {
		assert.NotEqual(t, msgs[i-1].Role, msgs[i].Role, "roles must alternate at %d", i)
		assert.False(t, disposable(msgs[i-1]) && disposable(msgs[i]), "adjacent placeholders at %d", i)
	}
	assert.True(t, toolPairsSatisfied(msgs), "every tool_use needs its tool_result and vice versa")
	assert.True(t, Valid(msgs), "normalized history must satisfy every invariant")
}

func TestNormalizeCases(t *testing.T) {
	tests := []struct {
		name  string
		input []model.Message
	}{
		{"empty", nil},
		{"already valid", []model.Message{user("hi"), assistant("hello")}},
		{"single user", []model.Message{user("hi")}},
		{"single assistant", []model.Message{assistant("hello")}},
		{"double user", []model.Message{user("a"), user("b"), assistant("c")}},
		{"double assistant", []model.Message{user("a"), assistant("b"), assistant("c")}},
		{"doubled roles on both sides", []model.Message{user("X"), user("Y"), assistant("A"), assistant("B")}},
		{"assistant first", []model.Message{assistant("hello"), user("hi"), assistant("again")}},
		{"trailing user", []model.Message{user("hi"), assistant("hello"), user("bye")}},
		{"trailing tool use", []model.Message{user("run"), assistantToolUse("on it", "t1", "demo")}},
		{"orphan tool result", []model.Message{user("hi"), assistant("a"), userToolResult("ghost"), assistant("b")}},
		{"unanswered tool use mid history", []model.Message{
			user("run"), assistantToolUse("on it", "t1", "demo"), user("and this"), assistant("done"),
		}},
		{"empty messages dropped", []model.Message{
			user(""), user("hi"), {Role: model.RoleAssistant}, assistant("hello"),
		}},
		{"duplicate text blocks deduped", []model.Message{
			{Role: model.RoleUser, Blocks: []model.ContentBlock{
				model.NewTextBlock("same"), model.NewTextBlock("same"), model.NewTextBlock(""),
			}},
			assistant("ok"),
		}},
		{"consecutive assistants with tool use", []model.Message{
			user("run"), assistantToolUse("first", "t9", "demo"), assistant("second"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			checkInvariants(t, got)

			again := Normalize(got)
			assert.Equal(t, got, again, "normalize must be idempotent")
		})
	}
}

func TestNormalizeAlreadyValidUntouched(t *testing.T) {
	input := []model.Message{
		user("run"),
		assistantToolUse("on it", "t1", "demo"),
		userToolResult("t1"),
		assistant("done"),
	}
	got := Normalize(input)
	assert.Equal(t, input, got)
}

func TestNormalizeInsertsToolResultPlaceholderBetweenAssistants(t *testing.T) {
	got := Normalize([]model.Message{
		user("run"),
		assistantToolUse("first", "t9", "demo"),
		assistant("second"),
	})
	checkInvariants(t, got)

	require.GreaterOrEqual(t, len(got), 4)
	inserted := got[2]
	assert.Equal(t, model.RoleUser, inserted.Role)
	assert.True(t, inserted.IsPlaceholder())
	assert.Contains(t, inserted.ToolResultIDs(), "t9")
}

func TestNormalizeDoubledRoles(t *testing.T) {
	got := Normalize([]model.Message{user("X"), user("Y"), assistant("A"), assistant("B")})
	checkInvariants(t, got)

	// X and Y survive separated by an assistant placeholder; A and B
	// survive separated by a user placeholder.
	require.Len(t, got, 6)
	assert.Equal(t, "X", got[0].FirstText())
	assert.True(t, got[1].IsPlaceholder())
	assert.Equal(t, "Y", got[2].FirstText())
	assert.Equal(t, "A", got[3].FirstText())
	assert.True(t, got[4].IsPlaceholder())
	assert.Equal(t, "B", got[5].FirstText())
}

func TestNormalizeTrailingToolUseGetsResultPlaceholder(t *testing.T) {
	got := Normalize([]model.Message{user("run"), assistantToolUse("on it", "t1", "demo")})
	checkInvariants(t, got)

	found := false
	for _, m := range got {
		for _, id := range m.ToolResultIDs() {
			if id == "t1" {
				found = true
			}
		}
	}
	assert.True(t, found, "trailing tool_use must be answered by a placeholder result")
}

func TestNormalizeDropsOrphanToolResult(t *testing.T) {
	got := Normalize([]model.Message{user("hi"), assistant("a"), userToolResult("ghost"), assistant("b")})
	checkInvariants(t, got)
	for _, m := range got {
		assert.NotContains(t, m.ToolResultIDs(), "ghost")
	}
}

func TestNormalizeSettlesWhenStagesInteract(t *testing.T) {
	// An inserted tool-result placeholder loses its result block when the
	// matching tool_use is dropped; the repair loop must rerun until no
	// stage disturbs another, instead of surfacing the half-repaired state.
	in := []model.Message{
		model.AssistantPlaceholder(),
		assistantToolUse("on it", "t0", "demo"),
		userToolResult("t2"),
		model.AssistantPlaceholder(),
		model.AssistantPlaceholder(),
		assistantToolUse("retry", "t0", "demo"),
	}

	got := Normalize(in)
	checkInvariants(t, got)
	require.NotEmpty(t, got, "real user content must survive the repair")

	found := false
	for _, m := range got {
		if m.FirstText() == "result follows" {
			found = true
		}
	}
	assert.True(t, found, "the real user message must not be traded for a placeholder")

	again := Normalize(got)
	assert.Equal(t, got, again, "a second pass must change nothing")
}

func TestNormalizeRandomizedHistoriesSettle(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	build := func() model.Message {
		switch rng.Intn(8) {
		case 0:
			return user("lead")
		case 1:
			return assistant("reply")
		case 2:
			return assistantToolUse("calling", "t0", "demo")
		case 3:
			return assistantToolUse("calling", "t2", "demo")
		case 4:
			return userToolResult("t0")
		case 5:
			return userToolResult("t2")
		case 6:
			return model.UserPlaceholder()
		default:
			return model.AssistantPlaceholder()
		}
	}

	for iter := 0; iter < 500; iter++ {
		in := make([]model.Message, rng.Intn(8))
		for i := range in {
			in[i] = build()
		}

		got := Normalize(in)
		if !assert.True(t, Valid(got), "iter %d: output must be valid: %+v", iter, in) {
			break
		}
		checkInvariants(t, got)

		again := Normalize(got)
		if !assert.Equal(t, got, again, "iter %d: not idempotent: %+v", iter, in) {
			break
		}
	}
}

func TestNormalizeBeyondRepairReturnsEmpty(t *testing.T) {
	got := Normalize([]model.Message{
		{Role: model.RoleAssistant},
		{Role: model.RoleUser},
	})
	assert.Empty(t, got)
}

func TestPlaceholderDetection(t *testing.T) {
	assert.True(t, model.UserPlaceholder().IsPlaceholder())
	assert.True(t, model.AssistantPlaceholder().IsPlaceholder())
	assert.True(t, model.ToolResultPlaceholder("t1").IsPlaceholder())

	// Legacy data detected by sentinel prefix alone.
	legacy := user(model.PlaceholderUserText)
	legacy.Placeholder = false
	assert.True(t, legacy.IsPlaceholder())

	assert.False(t, user("placeholder-ish but real").IsPlaceholder())
}

func TestEstimateTokens(t *testing.T) {
	msgs := []model.Message{
		user("hello there, this is a reasonably sized message for counting"),
		assistant("and this is the reply with some more words in it"),
	}
	assert.Greater(t, EstimateTokens(msgs), 0)
	assert.Equal(t, 0, EstimateTokens(nil))
}
