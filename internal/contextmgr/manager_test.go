package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-operator/internal/llm/summarizer"
	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
)

func fill(m *Manager, id string, n int) {
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		m.AddMessage(id, role, fmt.Sprintf("message %d", i))
	}
}

func staticBackend(answer string) summarizer.Backend {
	return summarizer.BackendFunc(func(ctx context.Context, system, excerpt string) (string, error) {
		return answer, nil
	})
}

// Scenario D: crossing the threshold triggers a summary that trims the
// window and populates summary and entities.
func TestScenarioSummarizeAfterThreshold(t *testing.T) {
	var excerpt string
	backend := summarizer.BackendFunc(func(ctx context.Context, system, ex string) (string, error) {
		excerpt = ex
		assert.Contains(t, system, EntityMarker)
		return "Operator inspected VM 105 and restarted nginx.\n" + EntityMarker + "\nvm_105: web frontend\nservice: nginx", nil
	})
	m := New(Options{Backend: backend})

	fill(m, "s1", 25)
	assert.False(t, m.ShouldSummarize("s1"), "25 messages is not above the threshold")
	m.AddMessage("s1", types.RoleUser, "message 25")
	require.True(t, m.ShouldSummarize("s1"))

	require.NoError(t, m.Summarize(context.Background(), "s1"))

	st, ok := m.Snapshot("s1")
	require.True(t, ok)
	assert.Len(t, st.Recent, DefaultKeepRecent)
	assert.Equal(t, "message 16", st.Recent[0].Content)
	assert.Equal(t, "Operator inspected VM 105 and restarted nginx.", st.Summary)
	assert.Equal(t, map[string]string{"vm_105": "web frontend", "service": "nginx"}, st.Entities)
	assert.Equal(t, 26, st.Added)
	assert.False(t, st.Summarizing)
	assert.False(t, m.ShouldSummarize("s1"))

	assert.Contains(t, excerpt, "user: message 0")
	assert.Contains(t, excerpt, "user: message 14")
	assert.NotContains(t, excerpt, "message 16")
}

func TestEntitiesMergeAcrossCycles(t *testing.T) {
	answers := []string{
		"First.\n" + EntityMarker + "\nvm_105: web\nnode: pve1",
		"Second.\n" + EntityMarker + "\n{\"vm_105\": \"database\", \"port\": 5432}",
	}
	call := 0
	var secondExcerpt string
	backend := summarizer.BackendFunc(func(ctx context.Context, system, excerpt string) (string, error) {
		if call == 1 {
			secondExcerpt = excerpt
		}
		a := answers[call]
		call++
		return a, nil
	})
	m := New(Options{Backend: backend})

	fill(m, "s", 26)
	require.NoError(t, m.Summarize(context.Background(), "s"))
	fill(m, "s", 16)
	require.NoError(t, m.Summarize(context.Background(), "s"))

	st, _ := m.Snapshot("s")
	assert.Equal(t, "Second.", st.Summary, "summary is replaced")
	assert.Equal(t, map[string]string{"vm_105": "database", "node": "pve1", "port": "5432"}, st.Entities,
		"entities merge with later values overwriting")
	assert.Contains(t, secondExcerpt, "Previous summary:\nFirst.")
	assert.Contains(t, secondExcerpt, "- node: pve1")
}

func TestSummarizeFailureLeavesStateUnchanged(t *testing.T) {
	cases := []struct {
		name    string
		backend summarizer.Backend
	}{
		{"backend error", summarizer.BackendFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("upstream 502")
		})},
		{"empty narrative", staticBackend(EntityMarker + "\nvm: 1")},
		{"broken entity json", staticBackend("Fine.\n" + EntityMarker + "\n{\"vm\": ")},
		{"timeout", summarizer.BackendFunc(func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(Options{Backend: tc.backend, SummarizeTimeout: 50 * time.Millisecond})
			fill(m, "s", 30)
			before, _ := m.Snapshot("s")

			assert.Error(t, m.Summarize(context.Background(), "s"))

			after, _ := m.Snapshot("s")
			assert.Equal(t, before, after)
			assert.True(t, m.ShouldSummarize("s"), "a failed run can be retried")
		})
	}
}

func TestMessagesAppendedDuringSummaryAreKept(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := summarizer.BackendFunc(func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-release
		return "Done.", nil
	})
	m := New(Options{Backend: backend})
	fill(m, "s", 26)

	require.True(t, m.MaybeSummarizeAsync("s"))
	<-started
	assert.False(t, m.MaybeSummarizeAsync("s"), "one summarization per session at a time")
	assert.ErrorIs(t, m.Summarize(context.Background(), "s"), ErrSummaryInProgress)

	m.AddMessage("s", types.RoleUser, "late 1")
	m.AddMessage("s", types.RoleAssistant, "late 2")
	msgs := m.BuildContextMessages(context.Background(), "s", 100000, 0, 0)
	assert.Equal(t, "late 2", msgs[len(msgs)-1].Content, "assembly does not wait for the summary")

	close(release)
	m.Wait()

	st, _ := m.Snapshot("s")
	require.Len(t, st.Recent, DefaultKeepRecent+2)
	assert.Equal(t, "late 1", st.Recent[DefaultKeepRecent].Content)
	assert.Equal(t, "late 2", st.Recent[DefaultKeepRecent+1].Content)
	assert.Equal(t, "Done.", st.Summary)
	assert.Empty(t, st.Entities)
}

func TestShouldSummarizeWithoutBackend(t *testing.T) {
	m := New(Options{})
	fill(m, "s", 40)
	assert.False(t, m.ShouldSummarize("s"))
	assert.ErrorIs(t, m.Summarize(context.Background(), "s"), ErrNoBackend)
	assert.False(t, m.ShouldSummarize("missing"))
}

func TestSummarizeNothingToCompress(t *testing.T) {
	called := false
	m := New(Options{Backend: summarizer.BackendFunc(func(context.Context, string, string) (string, error) {
		called = true
		return "x", nil
	})})
	fill(m, "s", DefaultKeepRecent)
	assert.NoError(t, m.Summarize(context.Background(), "s"))
	assert.False(t, called)
}

func TestBuildContextMessages(t *testing.T) {
	m := New(Options{Backend: staticBackend("Earlier work on VM 105.\n" + EntityMarker + "\nvm_105: web")})
	fill(m, "s", 26)
	require.NoError(t, m.Summarize(context.Background(), "s"))

	msgs := m.BuildContextMessages(context.Background(), "s", 100000, 1000, 1000)
	require.Len(t, msgs, DefaultKeepRecent+1)
	system, rest := SplitSystem(msgs)
	assert.Contains(t, system, "Earlier work on VM 105.")
	assert.Contains(t, system, "- vm_105: web")
	assert.Equal(t, types.RoleUser, rest[0].Role)
	assert.Equal(t, "message 25", rest[len(rest)-1].Content)

	assert.Nil(t, m.BuildContextMessages(context.Background(), "unknown", 1000, 0, 0))
}

func TestBuildContextMessagesLatestAlwaysIncluded(t *testing.T) {
	m := New(Options{})
	m.AddMessage("s", types.RoleUser, "short")
	m.AddMessage("s", types.RoleUser, strings.Repeat("x", 4000))

	msgs := m.BuildContextMessages(context.Background(), "s", 100, 50, 50)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Content, 4000)
}

func TestBuildContextMessagesSummaryCappedAtRatio(t *testing.T) {
	long := strings.Repeat("The operator reviewed the cluster. ", 200)
	m := New(Options{Backend: staticBackend(long)})
	fill(m, "s", 26)
	require.NoError(t, m.Summarize(context.Background(), "s"))

	msgs := m.BuildContextMessages(context.Background(), "s", 1000, 0, 0)
	system, _ := SplitSystem(msgs)
	require.NotEmpty(t, system)
	assert.LessOrEqual(t, summarizer.Estimate(system), 300)
}

func TestBuildContextMessagesDropsLeadingAssistant(t *testing.T) {
	m := New(Options{})
	m.AddMessage("s", types.RoleUser, strings.Repeat("a", 400))
	m.AddMessage("s", types.RoleAssistant, "ok")
	m.AddMessage("s", types.RoleUser, "next")

	msgs := m.BuildContextMessages(context.Background(), "s", 10, 0, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "next", msgs[0].Content)
}

// Property: everything except the latest message fits in the budget, and the
// latest message is always present.
func TestPropertyAssemblyRespectsBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("assembled context fits the budget", prop.ForAll(
		func(lengths []int, window int) bool {
			if len(lengths) == 0 {
				return true
			}
			m := New(Options{})
			for i, n := range lengths {
				m.AddMessage("p", types.RoleUser, fmt.Sprintf("%d%s", i, strings.Repeat("y", n)))
			}
			msgs := m.BuildContextMessages(context.Background(), "p", window, 0, 0)
			if len(msgs) == 0 {
				return false
			}
			latest := msgs[len(msgs)-1]
			if !strings.HasPrefix(latest.Content, fmt.Sprintf("%d", len(lengths)-1)) {
				return false
			}
			total := 0
			for _, msg := range msgs[:len(msgs)-1] {
				total += summarizer.Estimate(msg.Content)
			}
			budget := window - summarizer.Estimate(latest.Content)
			return len(msgs) == 1 || total <= budget
		},
		gen.SliceOf(gen.IntRange(1, 400)),
		gen.IntRange(0, 4000),
	))

	properties.TestingRun(t)
}

func TestClearAndSessions(t *testing.T) {
	m := New(Options{})
	fill(m, "a", 2)
	fill(m, "b", 2)
	assert.Equal(t, []string{"a", "b"}, m.Sessions())

	m.Clear("a")
	_, ok := m.Snapshot("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, m.Sessions())
}

func TestConcurrentAddAndBuild(t *testing.T) {
	m := New(Options{Backend: staticBackend("S.")})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.AddMessage("s", types.RoleUser, fmt.Sprintf("w%d-%d", w, i))
				m.BuildContextMessages(context.Background(), "s", 2000, 0, 0)
				m.MaybeSummarizeAsync("s")
			}
		}(w)
	}
	wg.Wait()
	m.Wait()

	st, _ := m.Snapshot("s")
	assert.Equal(t, 200, st.Added)
	assert.False(t, st.Summarizing)
}

func TestParseSummary(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		narrative string
		entities  map[string]string
		wantErr   bool
	}{
		{"no marker", "Just prose.", "Just prose.", map[string]string{}, false},
		{"bullets", "N.\n---ENTITIES---\n- vm: 105\n* node: pve1\nnot an entity\nempty:", "N.",
			map[string]string{"vm": "105", "node": "pve1"}, false},
		{"fenced json", "N.\n---ENTITIES---\n```json\n{\"vm\": 105, \"tags\": [\"a\"]}\n```", "N.",
			map[string]string{"vm": "105", "tags": `["a"]`}, false},
		{"value with colon", "N.\n---ENTITIES---\nurl: http://10.0.0.5:8006", "N.",
			map[string]string{"url": "http://10.0.0.5:8006"}, false},
		{"empty", "   ", "", nil, true},
		{"bad json", "N.\n---ENTITIES---\n{oops", "", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			narrative, entities, err := ParseSummary(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedSummary)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.narrative, narrative)
			assert.Equal(t, tc.entities, entities)
		})
	}
}
