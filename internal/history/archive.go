package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrNotFound            = errors.New("conversation not found")
	ErrInvalidConversation = errors.New("invalid conversation id")
)

var conversationRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateConversation checks that id is safe to use as a key or file name.
func ValidateConversation(id string) error {
	if !conversationRe.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidConversation, id)
	}
	return nil
}

// Archive persists conversations between sessions.
type Archive interface {
	Save(ctx context.Context, conversation string, entries []Entry) error
	Load(ctx context.Context, conversation string) ([]Entry, error)
	Delete(ctx context.Context, conversation string) error
	List(ctx context.Context) ([]string, error)
}

// FileArchive stores one chat document per conversation in a directory.
type FileArchive struct {
	dir string
}

// NewFileArchive creates the directory if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

func (a *FileArchive) path(conversation string) (string, error) {
	if err := ValidateConversation(conversation); err != nil {
		return "", err
	}
	return filepath.Join(a.dir, conversation+".json"), nil
}

func (a *FileArchive) Save(_ context.Context, conversation string, entries []Entry) error {
	p, err := a.path(conversation)
	if err != nil {
		return err
	}
	return SaveFile(p, entries)
}

func (a *FileArchive) Load(_ context.Context, conversation string) ([]Entry, error) {
	p, err := a.path(conversation)
	if err != nil {
		return nil, err
	}
	entries, err := LoadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversation)
	}
	return entries, err
}

func (a *FileArchive) Delete(_ context.Context, conversation string) error {
	p, err := a.path(conversation)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns archived conversation ids in lexical order.
func (a *FileArchive) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
