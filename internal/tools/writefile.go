package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aixgo-dev/hitl/internal/llm/provider"
	"github.com/aixgo-dev/hitl/pkg/security"
)

// WriteFileName is the name the model uses for the file tool.
const WriteFileName = "write_file"

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "file_path": {"type": "string", "description": "Name of the file, relative to the report directory"},
    "text": {"type": "string", "description": "Text to write to the file"},
    "append": {"type": "boolean", "description": "Append to an existing file instead of overwriting it"}
  },
  "required": ["file_path", "text"]
}`)

// WriteFile writes text files under a root directory.
type WriteFile struct {
	root string
}

// NewWriteFile creates the tool, creating root if needed.
func NewWriteFile(root string) (*WriteFile, error) {
	if root == "" {
		root = "report"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return &WriteFile{root: root}, nil
}

// Root returns the working directory.
func (w *WriteFile) Root() string {
	return w.root
}

// Spec describes the tool to the model.
func (w *WriteFile) Spec() provider.Tool {
	return provider.Tool{
		Name:        WriteFileName,
		Description: "Write text to a file in the report directory.",
		Parameters:  writeFileSchema,
	}
}

// Invoke writes the file. It returns no data; the executor reports the
// location through Location.
func (w *WriteFile) Invoke(_ context.Context, args map[string]any) (any, error) {
	name, _ := args["file_path"].(string)
	text, ok := args["text"].(string)
	if !ok {
		return nil, errors.New("text is required")
	}

	path, err := security.ConfinePath(name, w.root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode, _ := args["append"].(bool); appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	return nil, f.Close()
}

// Location reports the relative and absolute path of the written file.
func (w *WriteFile) Location(args map[string]any) (string, string) {
	name, _ := args["file_path"].(string)
	abs, err := security.ConfinePath(name, w.root)
	if err != nil {
		return name, ""
	}
	return name, abs
}

// ApprovalPreview renders the approval outline for a write: the target file
// name and, as HTML, the text about to be written.
func (w *WriteFile) ApprovalPreview(args map[string]any) (outline, html string) {
	name, _ := args["file_path"].(string)
	if name == "" {
		name = "(unknown)"
	}
	html, _ = args["text"].(string)
	return "* Tool\n  * " + WriteFileName + "\n* File name\n  * " + name, html
}
