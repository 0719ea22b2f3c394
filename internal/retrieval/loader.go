package retrieval

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IndexDir indexes every .md and .txt file under dir and returns the
// number of passages added. Files under a plans/ or devices/ directory get
// that passage kind; everything else is a doc.
func (x *Index) IndexDir(ctx context.Context, dir string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown", ".txt":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan knowledge dir: %w", err)
	}
	sort.Strings(files)

	var passages []Passage
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", rel, err)
		}
		passages = append(passages, SplitDocument(rel, kindFor(rel), string(data))...)
	}
	if len(passages) == 0 {
		return 0, nil
	}
	if err := x.Add(ctx, passages...); err != nil {
		return 0, err
	}
	x.logger.Info("knowledge base indexed", "dir", dir, "files", len(files), "passages", len(passages))
	return len(passages), nil
}

func kindFor(rel string) string {
	first, _, _ := strings.Cut(rel, "/")
	switch first {
	case "plans":
		return KindPlan
	case "devices":
		return KindDevice
	}
	return KindDoc
}

// SplitDocument cuts a markdown document into passages at its headings.
// A passage's title is the document title followed by its own heading.
// Text before the first heading belongs to a passage titled after the file.
func SplitDocument(source, kind, content string) []Passage {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	docTitle := base

	var (
		out     []Passage
		heading string
		body    strings.Builder
		inFence bool
	)
	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" {
			return
		}
		title := docTitle
		if heading != "" && heading != docTitle {
			title = docTitle + ": " + heading
		}
		out = append(out, Passage{
			ID:     fmt.Sprintf("%s#%d", source, len(out)+1),
			Source: source,
			Kind:   kind,
			Title:  title,
			Text:   text,
		})
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence && strings.HasPrefix(line, "#") {
			level := len(line) - len(strings.TrimLeft(line, "#"))
			text := strings.TrimSpace(line[level:])
			if level == 1 && first && text != "" {
				docTitle = text
				first = false
				continue
			}
			flush()
			heading = text
			first = false
			continue
		}
		if strings.TrimSpace(line) != "" {
			first = false
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}
