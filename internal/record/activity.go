package record

import (
	"encoding/json"
	"sort"
)

// Action is what happened to one imported item.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

var actions = []Action{ActionCreated, ActionUpdated, ActionSkipped}

// Activity groups the ids touched by an import by item kind and action,
// e.g. "event" → "created" → ["12", "13"].
type Activity struct {
	items map[string]map[Action][]string
}

// NewActivity returns an empty Activity.
func NewActivity() *Activity {
	return &Activity{items: make(map[string]map[Action][]string)}
}

// Add records that the item id of the given kind was acted upon.
func (a *Activity) Add(kind string, action Action, id string) {
	if a.items == nil {
		a.items = make(map[string]map[Action][]string)
	}
	if a.items[kind] == nil {
		a.items[kind] = make(map[Action][]string)
	}
	a.items[kind][action] = append(a.items[kind][action], id)
}

// IDs returns the ids of kind that received action.
func (a *Activity) IDs(kind string, action Action) []string {
	if a == nil || a.items[kind] == nil {
		return nil
	}
	return a.items[kind][action]
}

// Count returns the number of ids of kind that received action.
func (a *Activity) Count(kind string, action Action) int {
	return len(a.IDs(kind, action))
}

// Kinds returns the item kinds present, sorted.
func (a *Activity) Kinds() []string {
	if a == nil {
		return nil
	}
	kinds := make([]string, 0, len(a.items))
	for kind := range a.items {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Actions returns the actions in display order.
func (a *Activity) Actions() []Action {
	return actions
}

// Merge adds every entry of other into a.
func (a *Activity) Merge(other *Activity) {
	if other == nil {
		return
	}
	for kind, byAction := range other.items {
		for action, ids := range byAction {
			for _, id := range ids {
				a.Add(kind, action, id)
			}
		}
	}
}

// Empty reports whether no item was recorded.
func (a *Activity) Empty() bool {
	if a == nil {
		return true
	}
	for _, byAction := range a.items {
		for _, ids := range byAction {
			if len(ids) > 0 {
				return false
			}
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler.
func (a *Activity) MarshalJSON() ([]byte, error) {
	if a == nil || a.items == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.items)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Activity) UnmarshalJSON(data []byte) error {
	items := make(map[string]map[Action][]string)
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	a.items = items
	return nil
}
