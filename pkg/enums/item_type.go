package enums

// ItemType identifies which catalog entity a cart or purchase line references.
type ItemType string

const (
	ItemTypeService ItemType = "service"
	ItemTypeBundle  ItemType = "bundle"
	ItemTypeAddon   ItemType = "addon"
)

var itemTypes = members[ItemType]{kind: "item type", values: []ItemType{ItemTypeService, ItemTypeBundle, ItemTypeAddon}}

func (i ItemType) String() string { return string(i) }
func (i ItemType) IsValid() bool  { return itemTypes.has(i) }

func ParseItemType(value string) (ItemType, error) { return itemTypes.parse(value) }
