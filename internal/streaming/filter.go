package streaming

import "sort"

// Filter is the observer-side projection of run events: tool events pass only
// when their tool is on the allow-list, everything else passes untouched. The
// allow-list is fixed at construction.
type Filter struct {
    allowed map[string]struct{}
}

// NewFilter builds a filter from the allowed tool names. Empty names are
// ignored; an empty list blocks every tool event.
func NewFilter(tools []string) *Filter {
    allowed := make(map[string]struct{}, len(tools))
    for _, t := range tools {
        if t == "" {
            continue
        }
        allowed[t] = struct{}{}
    }
    return &Filter{allowed: allowed}
}

// Allow reports whether the event should reach observers.
func (f *Filter) Allow(evt Event) bool {
    if !evt.IsToolEvent() {
        return true
    }
    _, ok := f.allowed[evt.Tool]
    return ok
}

// AllowedTools returns the allow-list in sorted order.
func (f *Filter) AllowedTools() []string {
    out := make([]string, 0, len(f.allowed))
    for t := range f.allowed {
        out = append(out, t)
    }
    sort.Strings(out)
    return out
}
