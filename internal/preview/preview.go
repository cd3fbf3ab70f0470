// Package preview turns the HTML a write_file call is about to save into
// something a terminal can show next to the approval prompt.
package preview

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/charmbracelet/glamour"
)

const defaultWidth = 80

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Markdown converts an HTML document to markdown.
func Markdown(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(md, "\n\n")), nil
}

// Renderer renders previews with glamour. Renderers are cached per width.
type Renderer struct {
	style string
	mu    sync.Mutex
	cache map[int]*glamour.TermRenderer
}

// NewRenderer creates a renderer. An empty style picks one from the
// terminal's background; "notty" gives plain output.
func NewRenderer(style string) *Renderer {
	return &Renderer{style: style, cache: make(map[int]*glamour.TermRenderer)}
}

// Render converts html to markdown and renders it wrapped at width columns.
func (r *Renderer) Render(html string, width int) (string, error) {
	md, err := Markdown(html)
	if err != nil || md == "" {
		return md, err
	}

	tr, err := r.renderer(width)
	if err != nil {
		return md, err
	}
	out, err := tr.Render(md)
	if err != nil {
		return md, fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

func (r *Renderer) renderer(width int) (*glamour.TermRenderer, error) {
	if width <= 0 {
		width = defaultWidth
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.cache[width]; ok {
		return tr, nil
	}

	style := glamour.WithAutoStyle()
	if r.style != "" {
		style = glamour.WithStandardStyle(r.style)
	}
	tr, err := glamour.NewTermRenderer(
		style,
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}
	r.cache[width] = tr
	return tr, nil
}
