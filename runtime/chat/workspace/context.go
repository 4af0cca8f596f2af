package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// InitialAcknowledgement is the assistant turn answering the environment
// context.
const InitialAcknowledgement = "Got it. Thanks for the context!"

// ErrTooManyEntries is returned by Discover when the listing was cut at the
// entry limit. The returned entries are still usable.
var ErrTooManyEntries = errors.New("workspace: too many entries")

// DiscoverOptions bounds a workspace walk.
type DiscoverOptions struct {
	// Ignored lists folder names not descended into. Nil means
	// DefaultIgnored.
	Ignored []string
	// MaxEntries caps the listing. Zero means 5000.
	MaxEntries int
}

// Discover lists the files and folders under root with paths relative to
// root. Ignored folders are listed but not descended into.
func Discover(root string, opts DiscoverOptions) ([]FileInfo, error) {
	ignored := opts.Ignored
	if ignored == nil {
		ignored = DefaultIgnored
	}
	limit := opts.MaxEntries
	if limit <= 0 {
		limit = 5000
	}
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if len(files) >= limit {
			return ErrTooManyEntries
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			files = append(files, FileInfo{Path: rel, Type: TypeFolder})
			if slices.Contains(ignored, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, FileInfo{Path: rel, Type: TypeFile})
		return nil
	})
	return files, err
}

// DirectoryContext describes dir and its folder structure.
func DirectoryContext(dir string, files []FileInfo) string {
	return fmt.Sprintf("I'm currently working in the directory: %s\nHere is the folder structure of the current working directories:\n\n%s",
		dir, FolderStructure(dir, files, Options{}))
}

// EnvironmentContext is the opening user turn of a conversation.
func EnvironmentContext(dir string, files []FileInfo, now time.Time) string {
	return strings.TrimSpace(fmt.Sprintf("This is the Code Assistant. We are setting up the context for our chat.\nToday's date is %s.\n%s",
		now.Format("Monday, January 2, 2006"), DirectoryContext(dir, files)))
}

// Turn is a role tagged prompt turn.
type Turn struct {
	// Role is "user" or "assistant".
	Role    string
	Content string
}

// InitialHistory returns the environment context followed by the assistant
// acknowledgement.
func InitialHistory(dir string, files []FileInfo, now time.Time) []Turn {
	return []Turn{
		{Role: "user", Content: EnvironmentContext(dir, files, now)},
		{Role: "assistant", Content: InitialAcknowledgement},
	}
}
