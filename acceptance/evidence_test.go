package acceptance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorpusAssembly(t *testing.T) {
	reply := ParseReply(`{
		"status": "done",
		"summary": "finished the work",
		"message": "see below",
		"result": "tests green",
		"evidence": ["https://ci.example.com/run/7"],
		"changes": [{"path": "pkg/a.go", "summary": "new helper"}]
	}`)

	corpus := Corpus(reply)
	assert.Contains(t, corpus, "finished the work")
	assert.Contains(t, corpus, "see below")
	assert.Contains(t, corpus, "tests green")
	assert.Contains(t, corpus, "https://ci.example.com/run/7")
	assert.Contains(t, corpus, "pkg/a.go: new helper")
}

func TestExtractHardEvidence(t *testing.T) {
	tests := []struct {
		name   string
		corpus string
		want   string
	}{
		{"url", "deployed to https://app.example.com/v2 today", "https://app.example.com/v2"},
		{"slash path", "updated src/board/apply.go accordingly", "src/board/apply.go"},
		{"extension token", "rewrote main.py entirely", "main.py"},
		{"quoted path", `edited "config/app.yaml" for the port`, "config/app.yaml"},
		{"pass count", "12 passed in 3.4s", "12 passed in 3.4s"},
		{"go test ok line", "ok  github.com/c360studio/taskplane/board  0.12s", "ok  github.com/c360studio/taskplane/board  0.12s"},
		{"runner with pass signal", "pytest run: all pass", "pytest run: all pass"},
		{"localized pass", "全部测试通过", "全部测试通过"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Extract(tt.corpus)
			assert.Contains(t, ev.Hard, tt.want)
		})
	}
}

func TestExtractNoHardEvidence(t *testing.T) {
	for _, corpus := range []string{
		"everything went great",
		"the value 1.5 was used",
		"finished e.g. quickly",
	} {
		ev := Extract(corpus)
		assert.Empty(t, ev.Hard, "corpus %q", corpus)
	}
}

func TestExtractFailureSignals(t *testing.T) {
	tests := []struct {
		name   string
		corpus string
	}{
		{"fail count", "ran the suite: 2 failed, 10 passed"},
		{"pytest node", "FAILED tests/test_router.py::test_chinese_forms"},
		{"traceback", "Traceback (most recent call last):"},
		{"go fail line", "--- FAIL: TestApplyCreateTask (0.01s)"},
		{"localized fail", "结果:测试未通过"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Extract(tt.corpus)
			assert.NotEmpty(t, ev.Failures)
		})
	}
}

func TestExtractZeroFailedIsNotFailure(t *testing.T) {
	ev := Extract("summary: 5 passed, 0 failed")
	assert.Empty(t, ev.Failures)
	assert.NotEmpty(t, ev.Hard)
}

func TestExtractSoftEvidence(t *testing.T) {
	ev := Extract("see the log for details\nnothing else to say")
	assert.Empty(t, ev.Hard)
	assert.Equal(t, []string{"see the log for details"}, ev.Soft)
}

func TestExtractHardLinesNotDuplicatedAsSoft(t *testing.T) {
	// The line carries a hint word but already counts as a test result.
	ev := Extract("test output: 3 passed")
	assert.Contains(t, ev.Hard, "test output: 3 passed")
	assert.Empty(t, ev.Soft)
}

func TestExtractDeduplicates(t *testing.T) {
	ev := Extract("touched a/b.go and a/b.go again\ntouched a/b.go")
	count := 0
	for _, item := range ev.Hard {
		if item == "a/b.go" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
