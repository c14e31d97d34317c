package engine

import (
	"math"
	"slices"
	"strings"

	"github.com/DoyleJ11/cha-panelas/internal/types"
)

// DefaultItems seeds an empty list and is restored by CmdReset.
var DefaultItems = []string{
	"Pratos descartáveis",
	"Copos descartáveis",
	"Guardanapos",
	"Talheres plásticos",
	"Refrigerante",
	"Suco",
	"Água",
	"Bolo",
	"Salgadinhos",
	"Docinhos",
}

func NewState(itemNames []string) State {
	s := State{Guests: map[int64]Guest{}}
	for i, name := range itemNames {
		s.Items = append(s.Items, Item{ID: int64(i + 1), Name: name, Available: true})
	}
	return s
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// Available lists the unclaimed items ordered by name.
func Available(s State) []types.Item {
	out := []types.Item{}
	for _, it := range s.Items {
		if it.Available {
			out = append(out, types.Item{ID: it.ID, Name: it.Name})
		}
	}
	slices.SortFunc(out, func(a, b types.Item) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Guests lists guests newest first, filtered by a case-insensitive substring
// of the name when q is not empty.
func Guests(s State, q string) []types.Guest {
	needle := FoldName(q)
	out := []types.Guest{}
	for _, g := range s.Guests {
		if needle != "" && !strings.Contains(FoldName(g.Name), needle) {
			continue
		}
		row := types.Guest{ID: g.ID, Name: g.Name, CreatedAt: g.CreatedAt}
		if idx := itemIndex(s, g.ItemID); g.ItemID != 0 && idx >= 0 {
			name := s.Items[idx].Name
			row.Item = &name
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b types.Guest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	return out
}

func Stats(s State) types.Stats {
	st := types.Stats{TotalGuests: len(s.Guests), TotalItems: len(s.Items)}
	for _, g := range s.Guests {
		if g.ItemID != 0 {
			st.WithItem++
		}
	}
	for _, it := range s.Items {
		if it.Available {
			st.ItemsAvailable++
		}
	}
	st.WithoutItem = st.TotalGuests - st.WithItem
	st.ItemsClaimed = st.TotalItems - st.ItemsAvailable
	st.PercentClaimed = Percent(st.ItemsClaimed, st.TotalItems)
	return st
}

// Percent is part/total*100 rounded to two decimals, 0 for an empty total.
func Percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}
