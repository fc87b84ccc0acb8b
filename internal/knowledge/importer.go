package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Base is the knowledge subsystem handle the bootstrap layer starts.
type Base struct {
	store     *Store
	importDir string
	logger    *slog.Logger
}

// New creates the knowledge base over a store. importDir may be empty.
func New(store *Store, importDir string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{store: store, importDir: importDir, logger: logger}
}

// Store exposes the underlying fragment store.
func (b *Base) Store() *Store {
	return b.store
}

// StartUp imports any documents found in the import directory. Imports
// are idempotent: each document's previous fragments are replaced.
// Part of the concurrent bootstrap batch.
func (b *Base) StartUp(ctx context.Context) error {
	if b.importDir == "" {
		b.logger.Info("knowledge base started", "import_dir", "(none)")
		return nil
	}

	entries, err := os.ReadDir(b.importDir)
	if err != nil {
		if os.IsNotExist(err) {
			b.logger.Info("knowledge base started", "import_dir", b.importDir, "documents", 0)
			return nil
		}
		return fmt.Errorf("read knowledge import dir: %w", err)
	}

	var docs, frags int
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() {
			continue
		}

		path := filepath.Join(b.importDir, e.Name())
		n, err := b.ImportFile(ctx, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", e.Name(), err)
		}
		if n > 0 {
			docs++
			frags += n
		}
	}

	b.logger.Info("knowledge base started",
		"import_dir", b.importDir,
		"documents", docs,
		"fragments", frags,
	)
	return nil
}

// ImportFile imports one document, choosing the parser by extension.
// Unsupported extensions are skipped and return zero fragments.
func (b *Base) ImportFile(ctx context.Context, path string) (int, error) {
	var fragments []Fragment
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		fragments, err = parseMarkdown(path)
	case ".html", ".htm":
		fragments, err = parseHTML(path)
	default:
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	source := "file:" + filepath.Base(path)
	if err := b.store.DeleteBySource(source); err != nil {
		return 0, err
	}

	count := 0
	for i := range fragments {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		fragments[i].Source = source
		if err := b.store.Add(&fragments[i]); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// parseMarkdown splits a markdown document into fragments, one per
// block, tagged with the nearest heading.
func parseMarkdown(path string) ([]Fragment, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var fragments []Fragment
	var section string

	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			section = string(node.Text(src))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.CodeBlock, *ast.FencedCodeBlock, *ast.List:
			content := strings.TrimSpace(string(node.Text(src)))
			if content != "" {
				fragments = append(fragments, Fragment{Section: section, Content: content})
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse markdown: %w", err)
	}
	return fragments, nil
}

// skipElements are HTML elements whose content is never knowledge.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
}

// headingElements map h1..h6 to section boundaries.
var headingElements = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true,
}

// parseHTML splits an HTML document into fragments, one per text block,
// tagged with the nearest heading.
func parseHTML(path string) ([]Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var fragments []Fragment
	var section string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.DataAtom] {
				return
			}
			if headingElements[n.DataAtom] {
				section = strings.TrimSpace(textContent(n))
				return
			}
			if n.DataAtom == atom.P || n.DataAtom == atom.Li || n.DataAtom == atom.Pre {
				content := strings.TrimSpace(textContent(n))
				if content != "" {
					fragments = append(fragments, Fragment{Section: section, Content: content})
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return fragments, nil
}

// textContent returns the concatenated text of all children.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
