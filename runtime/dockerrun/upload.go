package dockerrun

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flotilla-dev/flotilla"
)

// maxUploadBytes caps one uploaded file.
const maxUploadBytes = 25 << 20

// UploadFunc delivers one file read from the agent's working directory.
type UploadFunc func(ctx context.Context, name string, data []byte) error

// NewUploadTool builds the file-upload tool served to container turns. The
// handler resolves the requested path against workdir and refuses anything
// that escapes it, then reads the file and hands it to upload.
func NewUploadTool(workdir string, upload UploadFunc) flotilla.ToolSpec {
	return flotilla.ToolSpec{
		Name:        "upload_file",
		Description: "Upload a file from the working directory to the requesting user.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path relative to the working directory"}
			},
			"required": ["path"]
		}`),
		Handler: func(ctx context.Context, rawArgs json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return "", fmt.Errorf("upload_file: %w", err)
			}
			resolved, err := resolveUploadPath(workdir, args.Path)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return "", fmt.Errorf("upload_file: %w", err)
			}
			if info.IsDir() {
				return "", fmt.Errorf("upload_file: %s is a directory", args.Path)
			}
			if info.Size() > maxUploadBytes {
				return "", fmt.Errorf("upload_file: %s is %d bytes, limit is %d", args.Path, info.Size(), maxUploadBytes)
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", fmt.Errorf("upload_file: %w", err)
			}
			if err := upload(ctx, filepath.Base(resolved), data); err != nil {
				return "", fmt.Errorf("upload_file: %w", err)
			}
			return fmt.Sprintf("uploaded %s (%d bytes)", filepath.Base(resolved), len(data)), nil
		},
	}
}

// resolveUploadPath normalizes the requested path and verifies it stays
// under workdir. Absolute paths are allowed only when they already point
// inside the working directory.
func resolveUploadPath(workdir, requested string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("%w: empty path", flotilla.ErrPathTraversal)
	}
	base, err := filepath.Abs(workdir)
	if err != nil {
		return "", fmt.Errorf("%w: resolve working directory: %v", flotilla.ErrPathTraversal, err)
	}
	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", flotilla.ErrPathTraversal, requested, workdir)
	}
	return p, nil
}
