package session

import "slices"

// answerStore maps question id to the student's current answer.
// An empty answer is stored as absence.
type answerStore struct {
	m map[string][]string
}

func newAnswerStore() *answerStore {
	return &answerStore{m: make(map[string][]string)}
}

// set overwrites the answer of id. Last write wins, values are never merged.
func (s *answerStore) set(id string, answer []string) {
	if len(answer) == 0 {
		delete(s.m, id)
		return
	}
	s.m[id] = slices.Clone(answer)
}

func (s *answerStore) get(id string) []string {
	return slices.Clone(s.m[id])
}

func (s *answerStore) has(id string) bool {
	return len(s.m[id]) > 0
}

// toggle adds option to the answer of id or removes it, keeping the order of the rest.
func (s *answerStore) toggle(id, option string) []string {
	cur := s.m[id]
	if i := slices.Index(cur, option); i >= 0 {
		s.set(id, slices.Delete(slices.Clone(cur), i, i+1))
	} else {
		s.set(id, append(slices.Clone(cur), option))
	}
	return s.get(id)
}

func (s *answerStore) snapshot() map[string][]string {
	out := make(map[string][]string, len(s.m))
	for id, a := range s.m {
		out[id] = slices.Clone(a)
	}
	return out
}

// flagStore is the set of questions marked for review.
type flagStore struct {
	m map[string]struct{}
}

func newFlagStore() *flagStore {
	return &flagStore{m: make(map[string]struct{})}
}

// toggle inverts membership of id and returns the new state.
func (s *flagStore) toggle(id string) bool {
	if _, ok := s.m[id]; ok {
		delete(s.m, id)
		return false
	}
	s.m[id] = struct{}{}
	return true
}

func (s *flagStore) set(id string) {
	s.m[id] = struct{}{}
}

func (s *flagStore) has(id string) bool {
	_, ok := s.m[id]
	return ok
}

// list returns the flagged ids in the given question order.
func (s *flagStore) list(order []string) []string {
	out := make([]string, 0, len(s.m))
	for _, id := range order {
		if s.has(id) {
			out = append(out, id)
		}
	}
	return out
}
