package conversation

import (
	"reflect"
	"testing"
	"time"

	"polychat/internal/storage"
)

func strPtr(s string) *string { return &s }

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func at(m int) time.Time { return t0.Add(time.Duration(m) * time.Minute) }

func TestBuildThreadLinkedPairing(t *testing.T) {
	prompts := []storage.Prompt{
		{ID: "p2", Content: "second", SelectedModels: []string{"A"}, CreatedAt: at(10)},
		{ID: "p1", Content: "first", SelectedModels: []string{"A", "B"}, CreatedAt: at(0)},
	}
	responses := []storage.Response{
		{ID: "r3", PromptID: strPtr("p2"), ModelUsed: "A", CreatedAt: at(11)},
		{ID: "r2", PromptID: strPtr("p1"), ModelUsed: "B", CreatedAt: at(2)},
		// written late but linked to the first prompt
		{ID: "r1", PromptID: strPtr("p1"), ModelUsed: "A", CreatedAt: at(12)},
	}
	th := BuildThread(prompts, responses)
	if len(th.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(th.Groups))
	}
	if th.Groups[0].Prompt.ID != "p1" || th.Groups[1].Prompt.ID != "p2" {
		t.Fatalf("groups not sorted by prompt time")
	}
	g := th.Groups[0]
	if len(g.Responses) != 2 || g.Responses[0].ID != "r2" || g.Responses[1].ID != "r1" {
		t.Fatalf("unexpected first group %#v", g.Responses)
	}
	if g.Pairing != PairingLinked || g.State != StateAnswered {
		t.Fatalf("unexpected first group pairing/state %s/%s", g.Pairing, g.State)
	}
	if th.Groups[1].State != StateAnswered {
		t.Fatalf("expected second prompt answered, got %s", th.Groups[1].State)
	}
}

func TestBuildThreadHeuristicPairing(t *testing.T) {
	prompts := []storage.Prompt{
		{ID: "p1", CreatedAt: at(0), SelectedModels: []string{"A"}},
		{ID: "p2", CreatedAt: at(5), SelectedModels: []string{"A", "B"}},
	}
	responses := []storage.Response{
		{ID: "early", ModelUsed: "A", CreatedAt: at(-1)},
		{ID: "r1", ModelUsed: "A", CreatedAt: at(1)},
		{ID: "same", ModelUsed: "A", CreatedAt: at(5)},
		{ID: "dangling", PromptID: strPtr("gone"), ModelUsed: "B", CreatedAt: at(9)},
	}
	th := BuildThread(prompts, responses)
	got := map[string][]string{}
	for _, g := range th.Groups {
		if g.Pairing != PairingHeuristic {
			t.Fatalf("group %s should be tagged heuristic", g.Prompt.ID)
		}
		for _, r := range g.Responses {
			if r.Pairing != PairingHeuristic {
				t.Fatalf("response %s should be heuristic", r.ID)
			}
			got[g.Prompt.ID] = append(got[g.Prompt.ID], r.ID)
		}
	}
	want := map[string][]string{
		"p1": {"early", "r1"},
		"p2": {"same", "dangling"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBuildThreadStates(t *testing.T) {
	prompts := []storage.Prompt{
		{ID: "p1", CreatedAt: at(0), SelectedModels: []string{"A", "B"}},
		{ID: "p2", CreatedAt: at(5), SelectedModels: []string{"A", "B"}},
	}
	partial := BuildThread(prompts, []storage.Response{
		{ID: "r1", PromptID: strPtr("p1"), ModelUsed: "A", CreatedAt: at(1)},
		{ID: "r2", PromptID: strPtr("p2"), ModelUsed: "A", CreatedAt: at(6)},
	})
	if partial.Groups[0].State != StateAnswered {
		t.Fatalf("superseded prompt should be answered, got %s", partial.Groups[0].State)
	}
	if partial.Groups[1].State != StatePartiallyAnswered {
		t.Fatalf("latest prompt should be partially answered, got %s", partial.Groups[1].State)
	}

	waiting := BuildThread(prompts, nil)
	if waiting.Groups[1].State != StateAwaitingResponses {
		t.Fatalf("expected awaiting_responses, got %s", waiting.Groups[1].State)
	}
}

func TestBuildThreadEveryResponseOnceAndIdempotent(t *testing.T) {
	var prompts []storage.Prompt
	var responses []storage.Response
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		prompts = append(prompts, storage.Prompt{ID: "p" + id, CreatedAt: at(i * 10)})
		responses = append(responses,
			storage.Response{ID: "l" + id, PromptID: strPtr("p" + id), CreatedAt: at(i*10 + 1)},
			storage.Response{ID: "h" + id, CreatedAt: at(i*10 + 3)},
		)
	}
	responses = append(responses, storage.Response{ID: "before-all", CreatedAt: at(-5)})

	first := BuildThread(prompts, responses)
	seen := map[string]int{}
	for i, g := range first.Groups {
		if i > 0 && g.Prompt.CreatedAt.Before(first.Groups[i-1].Prompt.CreatedAt) {
			t.Fatalf("groups out of order at %d", i)
		}
		for _, r := range g.Responses {
			seen[r.ID]++
		}
	}
	if len(seen) != len(responses) {
		t.Fatalf("expected %d responses placed, got %d", len(responses), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("response %s placed %d times", id, n)
		}
	}

	second := BuildThread(prompts, responses)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("thread reconstruction is not deterministic")
	}
}

func TestBuildThreadWithoutPrompts(t *testing.T) {
	th := BuildThread(nil, []storage.Response{{ID: "r1"}})
	if len(th.Groups) != 0 || len(th.Unpaired) != 1 {
		t.Fatalf("unexpected thread %#v", th)
	}
}
