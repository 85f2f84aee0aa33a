package pagination

import (
	"encoding/base64"
	"encoding/json"

	"gorm.io/gorm"
)

// Cursor marks the last row of a page in id order.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	if data == "" {
		return &Cursor{}, nil
	}

	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// After returns a scope that reads one page of rows ordered by column, starting
// after the cursor position.
func After(column string, cursor *Cursor, limit int) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if cursor != nil && cursor.ID != "" {
			db = db.Where(column+" > ?", cursor.ID)
		}
		return db.Order(column + " ASC").Limit(limit)
	}
}

// Next returns the cursor for the page following rows, or "" when the page was
// not full and there is nothing more to read.
func Next[T any](rows []T, limit int, extractID func(T) string) (string, error) {
	if len(rows) < limit || len(rows) == 0 {
		return "", nil
	}
	return EncodeCursor(Cursor{ID: extractID(rows[len(rows)-1])})
}
