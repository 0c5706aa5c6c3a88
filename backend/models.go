package backend

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Wardrobe item categories
const (
	CategoryTop       = "top"
	CategoryBottom    = "bottom"
	CategoryDress     = "dress"
	CategoryOuterwear = "outerwear"
	CategoryShoes     = "shoes"
	CategoryAccessory = "accessory"
)

// Categories lists every valid wardrobe category.
var Categories = []string{
	CategoryTop, CategoryBottom, CategoryDress, CategoryOuterwear, CategoryShoes, CategoryAccessory,
}

// WardrobeItem is a piece of clothing owned by a user.
type WardrobeItem struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Color     string    `json:"color,omitempty"`
	Seasons   []string  `json:"seasons,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Favorite  bool      `json:"favorite"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Validate checks the item's required fields.
func (w WardrobeItem) Validate() error {
	categories := make([]interface{}, len(Categories))
	for i, c := range Categories {
		categories[i] = c
	}
	return validation.ValidateStruct(&w,
		validation.Field(&w.UserID, validation.Required),
		validation.Field(&w.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&w.Category, validation.Required, validation.In(categories...)),
	)
}

// GetID returns the document ID.
func (w WardrobeItem) GetID() string { return w.ID }

// Owner returns the principal that owns the item.
func (w WardrobeItem) Owner() string { return w.UserID }

// OutfitHistoryEntry records an outfit worn on a given day.
type OutfitHistoryEntry struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	ItemIDs   []string  `json:"itemIds"`
	Occasion  string    `json:"occasion,omitempty"`
	WornAt    time.Time `json:"wornAt"`
	Rating    int       `json:"rating,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Validate checks the entry's required fields.
func (o OutfitHistoryEntry) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.UserID, validation.Required),
		validation.Field(&o.ItemIDs, validation.Required),
		validation.Field(&o.WornAt, validation.Required),
		validation.Field(&o.Rating, validation.Min(0), validation.Max(5)),
	)
}

// GetID returns the document ID.
func (o OutfitHistoryEntry) GetID() string { return o.ID }

// Owner returns the principal that owns the entry.
func (o OutfitHistoryEntry) Owner() string { return o.UserID }

// UserProfile holds a user's account and style preferences.
// The profile document ID is the user's principal ID.
type UserProfile struct {
	ID               string    `json:"id,omitempty"`
	UserID           string    `json:"userId"`
	DisplayName      string    `json:"displayName,omitempty"`
	Email            string    `json:"email,omitempty"`
	StylePreferences []string  `json:"stylePreferences,omitempty"`
	Location         string    `json:"location,omitempty"`
	CreatedAt        time.Time `json:"createdAt,omitzero"`
	UpdatedAt        time.Time `json:"updatedAt,omitzero"`
}

// Validate checks the profile's required fields.
func (p UserProfile) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.DisplayName, validation.Length(0, 80)),
	)
}

// GetID returns the document ID.
func (p UserProfile) GetID() string { return p.ID }

// Owner returns the principal that owns the profile.
func (p UserProfile) Owner() string { return p.UserID }
