package library

import "github.com/vocarddev/vocard/internal/docstore"

// Collection names in the document backend.
const (
	SettingsCollection = "Settings"
	UsersCollection    = "Users"
)

// FavouritePlaylistID is the playlist every user starts with; it cannot be
// deleted.
const FavouritePlaylistID = "200"

// Declared top-level fields of a user document.
const (
	FieldPlaylist = "playlist"
	FieldHistory  = "history"
	FieldInbox    = "inbox"
)

// Collections returns the store specs for both logical collections:
// Settings (keyed by guild id, freeform) and Users (keyed by user id, with
// playlist/history/inbox always present).
func Collections() []docstore.Collection {
	return []docstore.Collection{
		{
			Name: SettingsCollection,
			Default: func(key int64) docstore.Document {
				return docstore.Document{"_id": key}
			},
		},
		{
			Name:    UsersCollection,
			Fields:  []string{FieldPlaylist, FieldHistory, FieldInbox},
			Default: defaultUser,
		},
	}
}

func defaultUser(key int64) docstore.Document {
	return docstore.Document{
		"_id": key,
		FieldPlaylist: map[string]any{
			FavouritePlaylistID: map[string]any{
				"tracks": []any{},
				"perms":  map[string]any{"read": []any{}, "write": []any{}, "remove": []any{}},
				"name":   "Favourite",
				"type":   "playlist",
			},
		},
		FieldHistory: []any{},
		FieldInbox:   []any{},
	}
}

func newPlaylist(name string) map[string]any {
	return map[string]any{
		"tracks": []any{},
		"perms":  map[string]any{"read": []any{}, "write": []any{}, "remove": []any{}},
		"name":   name,
		"type":   "playlist",
	}
}
