package calls

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/vovakirdan/wirecall/internal/store"
)

// ErrUnknownSound is returned when a user picks a sound that is not installed.
var ErrUnknownSound = domainError(KindInvalid, "unknown_sound", "no such entrance sound")

// hasSound reports whether name is a plain file name present in the sounds directory.
func (s *Service) hasSound(name string) bool {
	base := filepath.Base(name)
	if base != name || base == "." || base == ".." || base == string(filepath.Separator) {
		return false
	}
	ok, err := afero.Exists(s.sounds, base)
	return err == nil && ok
}

// soundURL resolves the entrance sound announced when a user joins.
func (s *Service) soundURL(sound string) string {
	name := s.cfg.DefaultSound
	if sound != "" && s.hasSound(sound) {
		name = sound
	}
	return s.cfg.SoundsURLPrefix + name
}

// Sounds lists the installed entrance sounds by file name.
func (s *Service) Sounds() ([]string, error) {
	entries, err := afero.ReadDir(s.sounds, ".")
	if err != nil {
		return nil, fmt.Errorf("read sounds: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// SetEntranceSound picks the sound played when userID joins a call and
// returns its URL. An empty name restores the default sound.
func (s *Service) SetEntranceSound(ctx context.Context, userID int64, sound string) (string, error) {
	if sound != "" && !s.hasSound(sound) {
		return "", ErrUnknownSound
	}
	if _, err := loadUser(ctx, s.store, userID); err != nil {
		return "", err
	}
	if err := s.store.SetEntranceSound(ctx, userID, sound); err != nil {
		return "", fmt.Errorf("set entrance sound: %w", err)
	}
	return s.soundURL(sound), nil
}

// History lists the room's call log, newest last. beforeID pages backwards.
func (s *Service) History(ctx context.Context, userID, roomID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	if _, err := loadRoom(ctx, s.store, userID, roomID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, roomID, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}
