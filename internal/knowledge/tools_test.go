package knowledge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type fakeKB struct {
	entries []Entry
}

func (f *fakeKB) Search(_ context.Context, query string, limit int) ([]Entry, error) {
	var out []Entry
	for _, e := range f.entries {
		if strings.Contains(strings.ToLower(e.Question), strings.ToLower(query)) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeKB) Topics(_ context.Context, limit int) ([]string, int, error) {
	var topics []string
	for _, e := range f.entries {
		if len(topics) == limit {
			break
		}
		topics = append(topics, e.Question)
	}
	return topics, len(f.entries), nil
}

func testKB() *fakeKB {
	return &fakeKB{entries: []Entry{
		{ID: 1, Question: "What are your opening hours?", Answer: "We open 9am to 5pm on weekdays.", Score: 0.91},
		{ID: 2, Question: "Do you have opening specials?", Answer: "Yes, ask about the morning roast.", Score: 0.42},
		{ID: 3, Question: "Where are you located?", Answer: "12 Bean Street.", Score: 0.88},
	}}
}

func handlerFor(t *testing.T, kb Searcher, name string) func(context.Context, json.RawMessage) (any, error) {
	t.Helper()
	for _, d := range Toolset(kb) {
		if d.Name == name {
			return d.Handler
		}
	}
	t.Fatalf("no descriptor named %q", name)
	return nil
}

func TestSearchKnowledgeBase(t *testing.T) {
	h := handlerFor(t, testKB(), "search_knowledge_base")
	res, err := h(context.Background(), json.RawMessage(`{"query":"opening"}`))
	if err != nil {
		t.Fatalf("search_knowledge_base error = %v", err)
	}
	out := res.(map[string]any)
	if out["count"] != 2 {
		t.Fatalf("count = %v, want 2", out["count"])
	}
	best := out["best_match"].(Entry)
	if best.ID != 1 {
		t.Errorf("best match ID = %d, want 1", best.ID)
	}
}

func TestSearchKnowledgeBaseNoMatch(t *testing.T) {
	h := handlerFor(t, testKB(), "search_knowledge_base")
	res, err := h(context.Background(), json.RawMessage(`{"query":"parking"}`))
	if err != nil {
		t.Fatalf("search_knowledge_base error = %v", err)
	}
	out := res.(map[string]any)
	if out["count"] != 0 {
		t.Errorf("count = %v, want 0", out["count"])
	}
	if _, ok := out["best_match"]; ok {
		t.Error("best_match present for empty result")
	}
}

func TestGetBestAnswer(t *testing.T) {
	h := handlerFor(t, testKB(), "get_best_answer")

	res, err := h(context.Background(), json.RawMessage(`{"question":"located"}`))
	if err != nil {
		t.Fatalf("get_best_answer error = %v", err)
	}
	out := res.(map[string]any)
	if out["found"] != true {
		t.Fatalf("found = %v, want true: %v", out["found"], out)
	}
	if out["answer"] != "12 Bean Street." {
		t.Errorf("answer = %v", out["answer"])
	}
}

func TestGetBestAnswerBelowFloor(t *testing.T) {
	h := handlerFor(t, testKB(), "get_best_answer")

	// "specials" only matches the 0.42-scored entry, under the floor.
	res, err := h(context.Background(), json.RawMessage(`{"question":"specials"}`))
	if err != nil {
		t.Fatalf("get_best_answer error = %v", err)
	}
	out := res.(map[string]any)
	if out["found"] != false {
		t.Errorf("found = %v, want false", out["found"])
	}
}

func TestGetKnowledgeBaseTopics(t *testing.T) {
	h := handlerFor(t, testKB(), "get_knowledge_base_topics")
	res, err := h(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("get_knowledge_base_topics error = %v", err)
	}
	out := res.(map[string]any)
	if out["total"] != 3 {
		t.Errorf("total = %v, want 3", out["total"])
	}
	if len(out["topics"].([]string)) != 3 {
		t.Errorf("topics = %v, want 3 entries", out["topics"])
	}
}

func TestFillerPhrasesAreSpeakable(t *testing.T) {
	for _, d := range Toolset(testKB()) {
		if d.Filler == "" {
			continue
		}
		if d.Filler != "Let me look that up for you..." {
			t.Errorf("%s filler = %q, want the spoken lookup phrase", d.Name, d.Filler)
		}
	}
}
