package conversation

import (
	"sort"

	"polychat/internal/storage"
)

type Pairing string

const (
	// PairingLinked means the response carried the id of its prompt.
	PairingLinked Pairing = "linked"
	// PairingHeuristic means the prompt was inferred from timestamps because
	// the response had no usable prompt id.
	PairingHeuristic Pairing = "heuristic"
)

type PromptState string

const (
	StateAwaitingResponses PromptState = "awaiting_responses"
	StatePartiallyAnswered PromptState = "partially_answered"
	StateAnswered          PromptState = "answered"
)

type ThreadResponse struct {
	storage.Response
	Pairing Pairing
}

type ThreadGroup struct {
	Prompt    storage.Prompt
	Responses []ThreadResponse
	// Pairing is PairingHeuristic when any response in the group was paired
	// by timestamp.
	Pairing Pairing
	State   PromptState
}

type Thread struct {
	Groups []ThreadGroup
	// Unpaired holds responses of a conversation that has no prompts at all.
	Unpaired []storage.Response
}

// BuildThread groups responses under prompts. Responses linked by prompt id
// go to that prompt; the rest go to the latest prompt created at or before
// them, or to the first prompt when they predate all prompts.
func BuildThread(prompts []storage.Prompt, responses []storage.Response) Thread {
	ps := append([]storage.Prompt(nil), prompts...)
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
	rs := append([]storage.Response(nil), responses...)
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})

	if len(ps) == 0 {
		return Thread{Groups: []ThreadGroup{}, Unpaired: rs}
	}

	groups := make([]ThreadGroup, len(ps))
	index := make(map[string]int, len(ps))
	for i, p := range ps {
		groups[i] = ThreadGroup{Prompt: p, Responses: []ThreadResponse{}, Pairing: PairingLinked}
		index[p.ID] = i
	}

	for _, r := range rs {
		if r.PromptID != nil {
			if i, ok := index[*r.PromptID]; ok {
				groups[i].Responses = append(groups[i].Responses, ThreadResponse{Response: r, Pairing: PairingLinked})
				continue
			}
		}
		i := nearestPreceding(ps, r)
		groups[i].Responses = append(groups[i].Responses, ThreadResponse{Response: r, Pairing: PairingHeuristic})
		groups[i].Pairing = PairingHeuristic
	}

	for i := range groups {
		groups[i].State = deriveState(groups[i], i == len(groups)-1)
	}
	return Thread{Groups: groups, Unpaired: []storage.Response{}}
}

func nearestPreceding(sorted []storage.Prompt, r storage.Response) int {
	// first prompt strictly after the response
	i := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].CreatedAt.After(r.CreatedAt)
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// deriveState compares the distinct answering models against the requested
// ones. A prompt followed by another prompt is answered: its batch has
// finished even if some models failed.
func deriveState(g ThreadGroup, latest bool) PromptState {
	if len(g.Responses) == 0 {
		if latest {
			return StateAwaitingResponses
		}
		return StateAnswered
	}
	if len(g.Prompt.SelectedModels) == 0 {
		return StateAnswered
	}
	answered := make(map[string]bool, len(g.Responses))
	for _, r := range g.Responses {
		answered[r.ModelUsed] = true
	}
	for _, m := range g.Prompt.SelectedModels {
		if !answered[m] {
			if latest {
				return StatePartiallyAnswered
			}
			return StateAnswered
		}
	}
	return StateAnswered
}
