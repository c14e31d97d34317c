package engine

import (
	"errors"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

var ErrInvalidName = errors.New("name is required")
var ErrDuplicateName = errors.New("name already registered")
var ErrGuestNotFound = errors.New("guest not found")
var ErrItemTaken = errors.New("item already chosen by someone else")
var ErrAlreadyClaimed = errors.New("guest already chose an item")
var ErrNothingToRelease = errors.New("nothing to release")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Item struct {
	ID        int64
	Name      string
	Available bool
}

type Guest struct {
	ID        int64
	Name      string
	ItemID    int64 // 0 while the guest has not chosen
	CreatedAt time.Time
}

type State struct {
	Items       []Item // ordered by ID
	Guests      map[int64]Guest
	NextGuestID int64
}

type CommandType string

const (
	CmdRegister CommandType = "Register"
	CmdClaim    CommandType = "Claim"
	CmdRelease  CommandType = "Release"
	CmdRemove   CommandType = "Remove"
	CmdReset    CommandType = "Reset"
)

/*
	CmdRegister -> EvtGuestRegistered
	CmdClaim    -> EvtItemClaimed
	CmdRelease  -> EvtItemReleased
	CmdRemove   -> EvtItemReleased (only if the guest held an item) -> EvtGuestRemoved
	CmdReset    -> EvtReset
*/

type Command struct {
	Type    CommandType
	GuestID int64
	ItemID  int64
	Name    string
	Seed    []string // item names restored by CmdReset, DefaultItems when nil
	At      time.Time
}

type EventType string

const (
	EvtGuestRegistered EventType = "GuestRegistered"
	EvtItemClaimed     EventType = "ItemClaimed"
	EvtItemReleased    EventType = "ItemReleased"
	EvtGuestRemoved    EventType = "GuestRemoved"
	EvtReset           EventType = "Reset"
)

type Event struct {
	Type    EventType
	GuestID int64
	ItemID  int64
}

// ItemsChanged reports whether the event changes item availability.
func (e Event) ItemsChanged() bool {
	switch e.Type {
	case EvtItemClaimed, EvtItemReleased, EvtReset:
		return true
	}
	return false
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdRegister:
		name := strings.TrimSpace(cmd.Name)
		if name == "" {
			return nil, s, ErrInvalidName
		}
		if hasName(s, name) {
			return nil, s, ErrDuplicateName
		}

		newState := s.Clone()
		newState.NextGuestID++
		g := Guest{ID: newState.NextGuestID, Name: name, CreatedAt: cmd.At}
		newState.Guests[g.ID] = g
		return []Event{{Type: EvtGuestRegistered, GuestID: g.ID}}, newState, nil

	case CmdClaim:
		g, ok := s.Guests[cmd.GuestID]
		if !ok {
			return nil, s, ErrGuestNotFound
		}
		if g.ItemID != 0 {
			return nil, s, ErrAlreadyClaimed
		}
		idx := itemIndex(s, cmd.ItemID)
		// Unknown items are reported the same way as taken ones.
		if idx < 0 || !s.Items[idx].Available {
			return nil, s, ErrItemTaken
		}

		newState := s.Clone()
		newState.Items[idx].Available = false
		g.ItemID = cmd.ItemID
		newState.Guests[g.ID] = g
		return []Event{{Type: EvtItemClaimed, GuestID: g.ID, ItemID: cmd.ItemID}}, newState, nil

	case CmdRelease:
		g, ok := s.Guests[cmd.GuestID]
		if !ok || g.ItemID == 0 {
			return nil, s, ErrNothingToRelease
		}

		newState := s.Clone()
		freeItem(&newState, g.ItemID)
		itemID := g.ItemID
		g.ItemID = 0
		newState.Guests[g.ID] = g
		return []Event{{Type: EvtItemReleased, GuestID: g.ID, ItemID: itemID}}, newState, nil

	case CmdRemove:
		g, ok := s.Guests[cmd.GuestID]
		if !ok {
			return nil, s, ErrGuestNotFound
		}

		newState := s.Clone()
		var events []Event
		if g.ItemID != 0 {
			freeItem(&newState, g.ItemID)
			events = append(events, Event{Type: EvtItemReleased, GuestID: g.ID, ItemID: g.ItemID})
		}
		delete(newState.Guests, g.ID)
		events = append(events, Event{Type: EvtGuestRemoved, GuestID: g.ID})
		return events, newState, nil

	case CmdReset:
		seed := cmd.Seed
		if seed == nil {
			seed = DefaultItems
		}
		return []Event{{Type: EvtReset}}, NewState(seed), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func (s State) Clone() State {
	out := State{
		Items:       slices.Clone(s.Items),
		Guests:      make(map[int64]Guest, len(s.Guests)),
		NextGuestID: s.NextGuestID,
	}
	for id, g := range s.Guests {
		out.Guests[id] = g
	}
	return out
}

// FoldName is the case-insensitive form used for duplicate and search checks.
func FoldName(name string) string {
	// Casers keep state, so each call gets its own.
	return cases.Fold().String(strings.TrimSpace(name))
}

func hasName(s State, name string) bool {
	folded := FoldName(name)
	for _, g := range s.Guests {
		if FoldName(g.Name) == folded {
			return true
		}
	}
	return false
}

func itemIndex(s State, id int64) int {
	return slices.IndexFunc(s.Items, func(it Item) bool { return it.ID == id })
}

func freeItem(s *State, id int64) {
	if idx := itemIndex(*s, id); idx >= 0 {
		s.Items[idx].Available = true
	}
}
