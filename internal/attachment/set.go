package attachment

// Set collects attachment paths for one prompt, keeping first-seen order and
// dropping duplicates. The zero value is ready to use.
type Set struct {
	seen  map[string]struct{}
	order []string
}

// Add records path unless it was already added.
func (s *Set) Add(path string) {
	if path == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[path]; ok {
		return
	}
	s.seen[path] = struct{}{}
	s.order = append(s.order, path)
}

// Len returns the number of distinct attachments.
func (s *Set) Len() int {
	return len(s.order)
}

// Markers returns the attachments in the "@<path>" form the external program
// expands into file content.
func (s *Set) Markers() []string {
	out := make([]string, len(s.order))
	for i, p := range s.order {
		out[i] = "@" + p
	}
	return out
}
