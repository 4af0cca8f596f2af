// Package workspace renders the working directory into the context prompt
// that opens a conversation.
package workspace

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// TruncationIndicator marks folders whose contents were not rendered.
const TruncationIndicator = "..."

// DefaultMaxDepth is the number of folder levels rendered by default.
const DefaultMaxDepth = 4

// DefaultIgnored lists folder names whose contents are never rendered.
var DefaultIgnored = []string{"node_modules", ".git", "dist"}

type (
	// FileType distinguishes files from folders.
	FileType string

	// FileInfo is one entry of a flat workspace listing. Path is either
	// relative to the root or absolute under it, using forward slashes.
	FileInfo struct {
		Path string
		Type FileType
	}

	// Options customizes FolderStructure.
	Options struct {
		// MaxDepth is the number of folder levels shown. Zero means
		// DefaultMaxDepth.
		MaxDepth int
		// Ignored lists folder names whose contents are hidden. Nil means
		// DefaultIgnored.
		Ignored []string
		// Include, when set, filters files by name.
		Include *regexp.Regexp
	}

	folder struct {
		name    string
		files   []string
		folders []*folder
		hasMore bool
	}
)

const (
	TypeFile   FileType = "file"
	TypeFolder FileType = "folder"
)

// FolderStructure renders files as an indented tree rooted at root. Folders
// deeper than the depth limit are shown with TruncationIndicator and a
// header line explains the truncation.
func FolderStructure(root string, files []FileInfo, opts Options) string {
	maxDepth := cmp.Or(opts.MaxDepth, DefaultMaxDepth)
	ignored := opts.Ignored
	if ignored == nil {
		ignored = DefaultIgnored
	}

	top := &folder{}
	base := strings.TrimSuffix(root, "/")
	for _, f := range files {
		p := f.Path
		switch {
		case strings.HasPrefix(p, base+"/"):
			p = p[len(base)+1:]
		case p == base:
			p = ""
		}
		parts := slices.DeleteFunc(strings.Split(p, "/"), func(s string) bool { return s == "" })
		if len(parts) == 0 {
			continue
		}
		dirs := parts[:len(parts)-1]
		if f.Type == TypeFolder {
			dirs = parts
		}

		current := top
		inIgnored := false
		for depth, name := range dirs {
			if depth+1 > maxDepth {
				break
			}
			current = current.child(name)
			if slices.Contains(ignored, name) {
				inIgnored = true
				break
			}
		}
		if f.Type != TypeFile || inIgnored {
			continue
		}
		name := parts[len(parts)-1]
		if opts.Include != nil && !opts.Include.MatchString(name) {
			continue
		}
		if len(parts) <= maxDepth {
			current.files = append(current.files, name)
		}
	}

	truncated := top.markTruncation(1, maxDepth)
	top.sort()

	var b strings.Builder
	b.WriteString(strings.TrimRight(root, "/") + "/")
	top.render(&b, "")
	out := b.String()
	if truncated {
		out = fmt.Sprintf("Folders or files indicated with %s contain more items not shown, the display limit (%d depth) was reached    \n%s",
			TruncationIndicator, maxDepth, out)
	}
	return strings.TrimSpace(out)
}

func (f *folder) child(name string) *folder {
	for _, c := range f.folders {
		if c.name == name {
			return c
		}
	}
	c := &folder{name: name}
	f.folders = append(f.folders, c)
	return c
}

// markTruncation flags the folders sitting at the depth limit.
func (f *folder) markTruncation(depth, maxDepth int) bool {
	truncated := false
	for _, c := range f.folders {
		if depth >= maxDepth {
			c.hasMore = true
			truncated = true
		} else if c.markTruncation(depth+1, maxDepth) {
			truncated = true
		}
	}
	return truncated
}

func (f *folder) sort() {
	slices.Sort(f.files)
	slices.SortFunc(f.folders, func(a, b *folder) int {
		return cmp.Or(cmp.Compare(strings.ToLower(a.name), strings.ToLower(b.name)), cmp.Compare(a.name, b.name))
	})
	for _, c := range f.folders {
		c.sort()
	}
}

func (f *folder) render(b *strings.Builder, indent string) {
	for i, name := range f.files {
		connector := "├───"
		if i == len(f.files)-1 && len(f.folders) == 0 {
			connector = "└───"
		}
		b.WriteString("\n" + indent + connector + name)
	}
	for i, c := range f.folders {
		last := i == len(f.folders)-1
		connector, childIndent := "├───", indent+"│   "
		if last {
			connector, childIndent = "└───", indent+"    "
		}
		name := c.name + "/"
		if c.hasMore {
			name += TruncationIndicator
		}
		b.WriteString("\n" + indent + connector + name)
		if !c.hasMore {
			c.render(b, childIndent)
		}
	}
}
