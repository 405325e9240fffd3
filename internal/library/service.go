// Package library implements the settings, playlist, history and inbox
// rules on top of the document cache store. It is the surface the command
// handlers talk to; everything here is chat-platform agnostic.
package library

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vocarddev/vocard/internal/docstore"
	"github.com/vocarddev/vocard/pkg/logger"
)

const maxPlaylistNameLen = 10

// Config carries the library limits.
type Config struct {
	MaxPlaylists int // playlists per user, favourite included
	InboxLimit   int // pending invitations per user
	HistoryLimit int // most recent tracks kept per user
}

// DefaultConfig mirrors the production limits.
func DefaultConfig() Config {
	return Config{MaxPlaylists: 5, InboxLimit: 10, HistoryLimit: 25}
}

// Service exposes user and guild document operations.
type Service struct {
	store *docstore.Store
	cfg   Config
	log   *logger.Logger
}

func New(store *docstore.Store, cfg Config, log *logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxPlaylists <= 0 {
		cfg.MaxPlaylists = def.MaxPlaylists
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = def.InboxLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Service{store: store, cfg: cfg, log: log}
}

// GetSettings returns the settings document for a guild, creating the
// default on first access.
func (s *Service) GetSettings(ctx context.Context, guildID int64) (docstore.Document, error) {
	return s.store.Get(ctx, SettingsCollection, guildID)
}

// UpdateSettings applies update operators to a guild's settings document.
func (s *Service) UpdateSettings(ctx context.Context, guildID int64, ops docstore.Operations, upsert bool) (bool, error) {
	return s.store.Update(ctx, SettingsCollection, guildID, ops, upsert)
}

// GetUser returns the full user document.
func (s *Service) GetUser(ctx context.Context, userID int64) (docstore.Document, error) {
	return s.store.Get(ctx, UsersCollection, userID)
}

// GetUserField returns one declared field of the user document
// (playlist, history or inbox).
func (s *Service) GetUserField(ctx context.Context, userID int64, field string) (any, error) {
	return s.store.GetField(ctx, UsersCollection, userID, field)
}

// UpdateUser applies update operators to a user document.
func (s *Service) UpdateUser(ctx context.Context, userID int64, ops docstore.Operations, upsert bool) (bool, error) {
	return s.store.Update(ctx, UsersCollection, userID, ops, upsert)
}

// DeleteUser removes a user's data completely and reports whether a
// document existed.
func (s *Service) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	return s.store.Delete(ctx, UsersCollection, userID)
}

// GetUsersByCriteria returns every user document matching the filter.
func (s *Service) GetUsersByCriteria(ctx context.Context, filter docstore.Filter, limit, skip int) ([]docstore.Document, error) {
	return s.store.QueryMany(ctx, UsersCollection, filter, limit, skip)
}

// Playlists returns the user's playlist map, keyed by playlist id.
func (s *Service) Playlists(ctx context.Context, userID int64) (map[string]any, error) {
	raw, err := s.store.GetField(ctx, UsersCollection, userID, FieldPlaylist)
	if err != nil {
		return nil, err
	}
	playlists, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("user %d has a malformed playlist field", userID)
	}
	return playlists, nil
}

// CreatePlaylist adds a new empty playlist and returns its assigned id.
func (s *Service) CreatePlaylist(ctx context.Context, userID int64, name string) (string, error) {
	if len(name) > maxPlaylistNameLen {
		return "", ErrNameTooLong
	}

	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(playlists) >= s.cfg.MaxPlaylists {
		return "", ErrPlaylistLimit
	}
	for _, raw := range playlists {
		if pl, ok := raw.(map[string]any); ok {
			if existing, _ := pl["name"].(string); strings.EqualFold(existing, name) {
				return "", ErrPlaylistExists
			}
		}
	}

	id := assignPlaylistID(playlists)
	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpSet: {FieldPlaylist + "." + id: newPlaylist(name)},
	}, false)
	if err != nil {
		return "", err
	}

	s.log.WithField("user", userID).Debugf("created playlist %s (%s)", id, name)
	return id, nil
}

// RenamePlaylist changes a playlist's display name.
func (s *Service) RenamePlaylist(ctx context.Context, userID int64, playlistID, name string) error {
	if len(name) > maxPlaylistNameLen {
		return ErrNameTooLong
	}

	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return err
	}
	if _, exists := playlists[playlistID]; !exists {
		return ErrPlaylistNotFound
	}
	for id, raw := range playlists {
		pl, ok := raw.(map[string]any)
		if !ok || id == playlistID {
			continue
		}
		if existing, _ := pl["name"].(string); strings.EqualFold(existing, name) {
			return ErrPlaylistExists
		}
	}

	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpSet: {FieldPlaylist + "." + playlistID + ".name": name},
	}, false)
	return err
}

// DeletePlaylist removes a playlist. The favourite playlist is permanent.
// Deleting a playlist shared by someone else also revokes the read
// permission on the owner's copy.
func (s *Service) DeletePlaylist(ctx context.Context, userID int64, playlistID string) error {
	if playlistID == FavouritePlaylistID {
		return ErrUndeletable
	}

	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return err
	}
	raw, exists := playlists[playlistID]
	if !exists {
		return ErrPlaylistNotFound
	}

	if pl, ok := raw.(map[string]any); ok {
		if kind, _ := pl["type"].(string); kind == "share" {
			owner, ownerOK := docstore.ToInt64(pl["user"])
			referID, referOK := pl["referId"].(string)
			if ownerOK && referOK {
				_, err := s.UpdateUser(ctx, owner, docstore.Operations{
					docstore.OpPull: {FieldPlaylist + "." + referID + ".perms.read": userID},
				}, false)
				if err != nil {
					return err
				}
			}
		}
	}

	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpUnset: {FieldPlaylist + "." + playlistID: 1},
	}, false)
	return err
}

// AddTrack appends a track id to a playlist.
func (s *Service) AddTrack(ctx context.Context, userID int64, playlistID, trackID string) error {
	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return err
	}
	if _, exists := playlists[playlistID]; !exists {
		return ErrPlaylistNotFound
	}

	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpPush: {FieldPlaylist + "." + playlistID + ".tracks": trackID},
	}, false)
	return err
}

// RemoveTrack removes the track at a 1-based position from a playlist.
func (s *Service) RemoveTrack(ctx context.Context, userID int64, playlistID string, position int) error {
	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return err
	}
	raw, exists := playlists[playlistID]
	if !exists {
		return ErrPlaylistNotFound
	}
	pl, _ := raw.(map[string]any)
	tracks, _ := pl["tracks"].([]any)
	if position < 1 || position > len(tracks) {
		return ErrInvalidPosition
	}

	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpPull: {FieldPlaylist + "." + playlistID + ".tracks": tracks[position-1]},
	}, false)
	return err
}

// ClearPlaylist removes every track from a playlist.
func (s *Service) ClearPlaylist(ctx context.Context, userID int64, playlistID string) error {
	playlists, err := s.Playlists(ctx, userID)
	if err != nil {
		return err
	}
	if _, exists := playlists[playlistID]; !exists {
		return ErrPlaylistNotFound
	}

	_, err = s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpSet: {FieldPlaylist + "." + playlistID + ".tracks": []any{}},
	}, false)
	return err
}

// SharePlaylist drops an invitation into the target user's inbox and
// returns the mail id. The grant itself happens when the target accepts.
func (s *Service) SharePlaylist(ctx context.Context, ownerID, targetID int64, playlistID string) (string, error) {
	if ownerID == targetID {
		return "", ErrSelfShare
	}

	playlists, err := s.Playlists(ctx, ownerID)
	if err != nil {
		return "", err
	}
	raw, exists := playlists[playlistID]
	if !exists {
		return "", ErrPlaylistNotFound
	}
	pl, _ := raw.(map[string]any)
	if kind, _ := pl["type"].(string); kind == "share" {
		return "", ErrSharedPlaylist
	}
	if readers := readPerms(pl); containsID(readers, targetID) {
		return "", ErrAlreadyShared
	}

	receiver, err := s.GetUser(ctx, targetID)
	if err != nil {
		return "", err
	}
	inbox, _ := receiver[FieldInbox].([]any)
	for _, rawMail := range inbox {
		mail, ok := rawMail.(map[string]any)
		if !ok {
			continue
		}
		sender, _ := docstore.ToInt64(mail["sender"])
		referID, _ := mail["referId"].(string)
		if sender == ownerID && referID == playlistID {
			return "", ErrAlreadyInvited
		}
	}
	if len(inbox) >= s.cfg.InboxLimit {
		return "", ErrInboxFull
	}

	name, _ := pl["name"].(string)
	mail := map[string]any{
		"id":      uuid.NewString(),
		"sender":  ownerID,
		"referId": playlistID,
		"name":    name,
		"time":    time.Now().Unix(),
		"type":    "invite",
	}
	if _, err := s.UpdateUser(ctx, targetID, docstore.Operations{
		docstore.OpPush: {FieldInbox: mail},
	}, false); err != nil {
		return "", err
	}

	s.log.WithField("user", targetID).Debugf("invitation to playlist %s sent by %d", playlistID, ownerID)
	return mail["id"].(string), nil
}

// AcceptInvite consumes an inbox invitation: it grants the accepting user
// read access on the owner's playlist and materializes a share entry in the
// user's own playlist map. It returns the new playlist id.
func (s *Service) AcceptInvite(ctx context.Context, userID int64, mailID string) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	inbox, _ := user[FieldInbox].([]any)
	var mail map[string]any
	for _, rawMail := range inbox {
		m, ok := rawMail.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id == mailID {
			mail = m
			break
		}
	}
	if mail == nil {
		return "", ErrMailNotFound
	}

	playlists, _ := user[FieldPlaylist].(map[string]any)
	if len(playlists) >= s.cfg.MaxPlaylists {
		return "", ErrPlaylistLimit
	}

	sender, _ := docstore.ToInt64(mail["sender"])
	referID, _ := mail["referId"].(string)
	name, _ := mail["name"].(string)

	if _, err := s.UpdateUser(ctx, sender, docstore.Operations{
		docstore.OpPush: {FieldPlaylist + "." + referID + ".perms.read": userID},
	}, false); err != nil {
		return "", err
	}

	newID := assignPlaylistID(playlists)
	share := map[string]any{
		"user":    sender,
		"referId": referID,
		"name":    name,
		"type":    "share",
	}
	if _, err := s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpSet:  {FieldPlaylist + "." + newID: share},
		docstore.OpPull: {FieldInbox: mail},
	}, false); err != nil {
		return "", err
	}
	return newID, nil
}

// DeclineInvite drops an invitation from the inbox without granting access.
func (s *Service) DeclineInvite(ctx context.Context, userID int64, mailID string) error {
	raw, err := s.GetUserField(ctx, userID, FieldInbox)
	if err != nil {
		return err
	}
	inbox, _ := raw.([]any)
	for _, rawMail := range inbox {
		m, ok := rawMail.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["id"].(string); id == mailID {
			_, err := s.UpdateUser(ctx, userID, docstore.Operations{
				docstore.OpPull: {FieldInbox: m},
			}, false)
			return err
		}
	}
	return ErrMailNotFound
}

// AddHistory records a played track, keeping only the most recent entries.
func (s *Service) AddHistory(ctx context.Context, userID int64, trackID string) error {
	_, err := s.UpdateUser(ctx, userID, docstore.Operations{
		docstore.OpPush: {FieldHistory: map[string]any{
			"$each":  []any{trackID},
			"$slice": s.cfg.HistoryLimit,
		}},
	}, false)
	return err
}

// assignPlaylistID returns the smallest free id at or above the favourite
// playlist's 200.
func assignPlaylistID(playlists map[string]any) string {
	for n := 200; ; n++ {
		id := strconv.Itoa(n)
		if _, taken := playlists[id]; !taken {
			return id
		}
	}
}

func readPerms(pl map[string]any) []any {
	perms, _ := pl["perms"].(map[string]any)
	readers, _ := perms["read"].([]any)
	return readers
}

func containsID(ids []any, want int64) bool {
	for _, raw := range ids {
		if id, ok := docstore.ToInt64(raw); ok && id == want {
			return true
		}
	}
	return false
}
