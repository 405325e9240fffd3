package library

import "errors"

// Common error types for better error handling
var (
	// Playlist errors
	ErrPlaylistNotFound = errors.New("playlist not found")
	ErrPlaylistExists   = errors.New("playlist already exists")
	ErrPlaylistLimit    = errors.New("playlist limit reached")
	ErrNameTooLong      = errors.New("playlist name is too long")
	ErrUndeletable      = errors.New("the favourite playlist cannot be deleted")
	ErrInvalidPosition  = errors.New("invalid track position")

	// Sharing errors
	ErrSelfShare      = errors.New("cannot share a playlist with yourself")
	ErrSharedPlaylist = errors.New("shared playlists belong to their owner")
	ErrAlreadyShared  = errors.New("user already has access to this playlist")
	ErrAlreadyInvited = errors.New("an invitation for this playlist is already pending")
	ErrInboxFull      = errors.New("recipient inbox is full")
	ErrMailNotFound   = errors.New("inbox message not found")
)
