package tools

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentd/internal/chat"
	"agentd/internal/security"
)

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

const maxImageBytes = 4 << 20

// ReadTool 从工作区读取文件内容, 图片以 data URL 返回
// ReadTool reads file content from the workspace. Image files come back
// as a data URL in the result data so the runner can show them to the
// model as a multimodal message.
type ReadTool struct{}

func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read file content from the workspace. Images are returned for visual inspection.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Line offset, 1-based. Defaults to 1.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Max lines to read. Defaults to 100, capped at 500.",
					},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage, tc *Context) Result {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Fail(fmt.Sprintf("read_file args: %v", err))
	}
	if tc == nil || tc.Workspace == "" {
		return Fail("workspace is unavailable")
	}
	if tc.IsPathSafe != nil && !tc.IsPathSafe(in.Path) {
		return Fail(fmt.Sprintf("path %q is outside the workspace", in.Path))
	}
	if security.IsSensitiveFile(in.Path) {
		return Fail(fmt.Sprintf("refusing to read %q: credential material", in.Path))
	}

	resolved := in.Path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(tc.Workspace, resolved)
	}

	if mime, ok := imageMIMETypes[strings.ToLower(filepath.Ext(resolved))]; ok {
		return readImage(resolved, in.Path, mime)
	}

	const (
		defaultLimit = 100
		maxLimit     = 500
	)
	if in.Offset <= 0 {
		in.Offset = 1
	}
	if in.Limit <= 0 {
		in.Limit = defaultLimit
	}
	if in.Limit > maxLimit {
		in.Limit = maxLimit
	}

	f, err := os.Open(resolved)
	if err != nil {
		return Fail(fmt.Sprintf("read file: %v", err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	var lines []string
	hasMore := false
	for scanner.Scan() {
		lineNo++
		if lineNo < in.Offset {
			continue
		}
		if len(lines) == in.Limit {
			hasMore = true
			break
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Fail(fmt.Sprintf("read file: %v", err))
	}

	out := strings.Join(lines, "\n")
	if hasMore {
		out += fmt.Sprintf("\n... (more lines after %d)", in.Offset+in.Limit-1)
	}
	return Ok(out)
}

func readImage(resolved, displayPath, mime string) Result {
	info, err := os.Stat(resolved)
	if err != nil {
		return Fail(fmt.Sprintf("read image: %v", err))
	}
	if info.Size() > maxImageBytes {
		return Fail(fmt.Sprintf("image %s is too large (%d bytes)", displayPath, info.Size()))
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Fail(fmt.Sprintf("read image: %v", err))
	}
	res := Ok(fmt.Sprintf("Read image %s (%d bytes)", displayPath, len(data)))
	res.Data = &ResultData{
		ImageDataURL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		ImageCaption: "Image from " + displayPath,
	}
	return res
}
