package types

// SlotCount is the number of dish slots in one spin.
const SlotCount = 3

// Dish is one selection returned by the selection service.
type Dish struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Allergens []string `json:"allergens,omitempty"`
}

// Summary describes the spin that produced the current board.
//   headline: short human text from the selection service
//   categories: the categories requested per slot
//   powerups: modifiers applied to the spin
type Summary struct {
	Headline   string   `json:"headline,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Powerups   []string `json:"powerups,omitempty"`
}

// Equal reports whether two dishes refer to the same selection.
func (d *Dish) Equal(o *Dish) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ID == o.ID && d.Name == o.Name
}
