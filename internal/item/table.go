package item

// ParameterTable is the external item-definition lookup the codec consults
// when encoding for a version: stack bounds, prices, and rarity come from
// game data files owned by a collaborator, not from this package.
type ParameterTable interface {
	MaxStackSize(it *Item) int
	PriceForItem(it *Item) uint32
	IsRare(it *Item) bool
}

// StaticTable is a ParameterTable backed by maps keyed on primary
// identifier. Entries absent from the maps fall back to the built-in kind
// table (stack) or zero (price, rarity).
type StaticTable struct {
	Stacks map[uint32]int
	Prices map[uint32]uint32
	Rare   map[uint32]bool
}

// MaxStackSize returns the configured bound for the item, or 0 for "use the
// codec default".
func (t *StaticTable) MaxStackSize(it *Item) int {
	if t == nil || t.Stacks == nil {
		return 0
	}
	return t.Stacks[it.PrimaryIdentifier()]
}

// PriceForItem returns the shop price for the item.
func (t *StaticTable) PriceForItem(it *Item) uint32 {
	if t == nil || t.Prices == nil {
		return 0
	}
	return t.Prices[it.PrimaryIdentifier()]
}

// IsRare reports whether the item is on the rare table.
func (t *StaticTable) IsRare(it *Item) bool {
	if t == nil || t.Rare == nil {
		return false
	}
	return t.Rare[it.PrimaryIdentifier()]
}
