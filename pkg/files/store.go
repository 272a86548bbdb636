package files

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a file does not exist for the owner.
var ErrNotFound = errors.New("file not found")

// File describes a stored file.
type File struct {
	ID   string `json:"fileId"`
	Path string `json:"filePath"`
	Name string `json:"fileName"`
	Type string `json:"fileType"`
}

// Store keeps files on local disk under root/<owner>/<file id>/<name>.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file root: %w", err)
	}
	return &Store{root: root}, nil
}

// Lookup resolves a file id owned by ownerID.
func (s *Store) Lookup(_ context.Context, ownerID, fileID string) (*File, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	dir := filepath.Join(s.ownerDir(ownerID), fileID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("read file dir: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return newFile(fileID, filepath.Join(dir, e.Name())), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
}

// Save writes rows as a new file. Format txt writes one row per line, json
// writes an indented array and jsonl one JSON document per line.
func (s *Store) Save(_ context.Context, ownerID, name, format string, rows []any) (*File, error) {
	if format == "" {
		format = "txt"
	}
	name = filepath.Base(strings.TrimSuffix(name, "."+format))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	id := uuid.NewString()
	dir := filepath.Join(s.ownerDir(ownerID), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	path := filepath.Join(dir, name+"."+format)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := encode(w, format, rows); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return newFile(id, path), nil
}

func encode(w *bufio.Writer, format string, rows []any) error {
	switch format {
	case "json":
		if rows == nil {
			rows = []any{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return fmt.Errorf("encode row: %w", err)
			}
		}
		return nil
	case "txt", "csv":
		for _, row := range rows {
			line, ok := row.(string)
			if !ok {
				b, err := json.Marshal(row)
				if err != nil {
					return fmt.Errorf("encode row: %w", err)
				}
				line = string(b)
			}
			if _, err := w.WriteString(line + "\n"); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported file format %q", format)
	}
}

func (s *Store) ownerDir(ownerID string) string {
	ownerID = filepath.Base(ownerID)
	if ownerID == "" || ownerID == "." || ownerID == ".." || ownerID == string(filepath.Separator) {
		ownerID = "anonymous"
	}
	return filepath.Join(s.root, ownerID)
}

func newFile(id, path string) *File {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return &File{
		ID:   id,
		Path: path,
		Name: strings.TrimSuffix(base, ext),
		Type: strings.TrimPrefix(ext, "."),
	}
}
