// Package auth owns the persisted account state: the username→password-hash
// map in users.json and the telegram-id→username map in telegram_links.json.
// The Telegram bot and the TCP dispatcher share one Store; a single mutex
// makes their interleaved reads and mutations safe.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Domain errors surfaced to clients and to the bot.
var (
	ErrUserExists         = errors.New("user already exists")
	ErrNoSuchUser         = errors.New("user does not exist")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmptyPassword      = errors.New("password cannot be empty")
	ErrEmptyUsername      = errors.New("username cannot be empty")
	ErrAlreadyLinked      = errors.New("telegram id already linked")
)

// randomPasswordLength is the length of bot-generated passwords.
const randomPasswordLength = 12

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Store is the mutex-guarded mirror of the two JSON files. Every mutation
// rewrites the affected file atomically; a failed write keeps the
// in-memory state authoritative until the next successful one.
type Store struct {
	mu        sync.Mutex
	usersPath string
	linksPath string
	users     map[string]string // username → lowercase hex SHA-256
	links     map[int64]string  // telegram id → username
}

// Open loads both files. Missing files are treated as empty stores;
// unreadable JSON is an error so a corrupt file never gets silently
// clobbered on the next mutation.
func Open(usersPath, linksPath string) (*Store, error) {
	s := &Store{
		usersPath: usersPath,
		linksPath: linksPath,
		users:     make(map[string]string),
		links:     make(map[int64]string),
	}
	if err := loadJSON(usersPath, &s.users); err != nil {
		return nil, fmt.Errorf("load %s: %w", usersPath, err)
	}
	rawLinks := make(map[string]string)
	if err := loadJSON(linksPath, &rawLinks); err != nil {
		return nil, fmt.Errorf("load %s: %w", linksPath, err)
	}
	for k, v := range rawLinks {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			slog.Warn("skipping non-numeric telegram id", "key", k)
			continue
		}
		s.links[id] = v
	}
	slog.Info("credential store opened", "users", len(s.users), "links", len(s.links))
	return s, nil
}

// Verify reports whether the password matches the stored hash for u.
func (s *Store) Verify(u, pw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[u]
	return ok && stored == hashPassword(pw)
}

// Exists reports whether u has an account.
func (s *Store) Exists(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[u]
	return ok
}

// Register creates an account with the given password. Used by the
// client-side self-registration path.
func (s *Store) Register(u, pw string) error {
	if u == "" {
		return ErrEmptyUsername
	}
	if pw == "" {
		return ErrEmptyPassword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u]; ok {
		return ErrUserExists
	}
	s.users[u] = hashPassword(pw)
	s.saveUsersLocked()
	return nil
}

// CreateWithRandomPassword creates an account with a generated password
// and returns it. Used by the bot registration flow.
func (s *Store) CreateWithRandomPassword(u string) (string, error) {
	if u == "" {
		return "", ErrEmptyUsername
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u]; ok {
		return "", ErrUserExists
	}
	pw := randomPassword(randomPasswordLength)
	s.users[u] = hashPassword(pw)
	s.saveUsersLocked()
	return pw, nil
}

// ResetPassword replaces u's password with a fresh random one.
func (s *Store) ResetPassword(u string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u]; !ok {
		return "", ErrNoSuchUser
	}
	pw := randomPassword(randomPasswordLength)
	s.users[u] = hashPassword(pw)
	s.saveUsersLocked()
	return pw, nil
}

// ChangePassword sets u's password to newPw.
func (s *Store) ChangePassword(u, newPw string) error {
	if newPw == "" {
		return ErrEmptyPassword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u]; !ok {
		return ErrNoSuchUser
	}
	s.users[u] = hashPassword(newPw)
	s.saveUsersLocked()
	return nil
}

// LinkTelegram binds a telegram id to a username, write-once per id.
func (s *Store) LinkTelegram(id int64, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; ok {
		return ErrAlreadyLinked
	}
	s.links[id] = u
	s.saveLinksLocked()
	return nil
}

// LinkedUsername returns the username bound to a telegram id, if any.
func (s *Store) LinkedUsername(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.links[id]
	return u, ok
}

func (s *Store) saveUsersLocked() {
	if err := writeJSONAtomic(s.usersPath, s.users); err != nil {
		slog.Error("persist users", "path", s.usersPath, "err", err)
	}
}

func (s *Store) saveLinksLocked() {
	out := make(map[string]string, len(s.links))
	for id, u := range s.links {
		out[strconv.FormatInt(id, 10)] = u
	}
	if err := writeJSONAtomic(s.linksPath, out); err != nil {
		slog.Error("persist telegram links", "path", s.linksPath, "err", err)
	}
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// writeJSONAtomic writes indented JSON via a temp file and rename, so a
// crash mid-write never leaves a truncated file for the bot to read.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

// randomPassword draws n characters from the alphanumeric alphabet using
// crypto/rand. Modulo bias is avoided by rejection sampling.
func randomPassword(n int) string {
	const max = 256 - 256%len(passwordAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		for _, b := range buf {
			if int(b) < max {
				out = append(out, passwordAlphabet[int(b)%len(passwordAlphabet)])
				if len(out) == n {
					break
				}
			}
		}
	}
	return string(out)
}
