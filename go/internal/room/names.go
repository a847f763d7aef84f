package room

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidName   = errors.New("invalid room name")
	ErrInvalidPlayer = errors.New("invalid player name")
)

const (
	maxNameLength   = 64
	maxPlayerLength = 32
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NormalizeName trims the raw room name and replaces spaces with underscores.
// The result is safe to embed in store keys and broadcast subjects.
func NormalizeName(raw string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")
	if name == "" || len(name) > maxNameLength || !namePattern.MatchString(name) {
		return "", ErrInvalidName
	}
	return name, nil
}

// NormalizePlayer trims a display name and checks its length.
func NormalizePlayer(raw string) (string, error) {
	player := strings.TrimSpace(raw)
	if player == "" || utf8.RuneCountInString(player) > maxPlayerLength {
		return "", ErrInvalidPlayer
	}
	return player, nil
}

// StoreKey is where a story room's state lives.
func StoreKey(name string) string {
	return "story_" + name
}

// Group is the broadcast group of a story room.
func Group(name string) string {
	return "story_" + name
}
