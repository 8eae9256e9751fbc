package tools

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/validator"
)

const (
	searchMaxDepth   = 3
	searchMaxResults = 5
	maxGlobMatches   = 100
)

func fileTools(deps Deps) []Tool {
	ws := deps.Workspace
	return []Tool{
		NewTool("read_file", "Read a text file from the workspace.",
			Schema([]Prop{{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return readFile(ws, args)
			}),
		NewTool("write_file", "Write (or append to) a file in the workspace. Requires a justification.",
			Schema([]Prop{
				{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
				{Name: "content", Type: "string", Description: "Content to write", Required: true},
				{Name: "append", Type: "boolean", Description: "Append instead of overwrite"},
				{Name: "justification", Type: "string", Description: "Why this change is needed", Required: true},
			}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return writeFile(ws, deps.AllowWrite, args)
			}),
		NewTool("list_directory", "List the entries of a workspace directory.",
			Schema([]Prop{{Name: "path", Type: "string", Description: "Directory path (default .)"}}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return listDirectory(ws, args)
			}),
		NewTool("search_files", "Find files matching a glob pattern under a workspace directory.",
			Schema([]Prop{
				{Name: "pattern", Type: "string", Description: "Glob such as *.go", Required: true},
				{Name: "path", Type: "string", Description: "Directory to search (default .)"},
			}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return searchFiles(ctx, ws, args)
			}),
		NewTool("search_directory", "Find directories by (partial) name under an allowed base, depth <= 3.",
			Schema([]Prop{
				{Name: "name", Type: "string", Description: "Directory name to look for", Required: true},
				{Name: "base", Type: "string", Description: "Base directory (default: workspace)"},
				{Name: "max_depth", Type: "integer", Description: "Search depth, at most 3"},
			}),
			func(ctx context.Context, args map[string]interface{}) Result {
				return searchDirectory(ws, deps.SearchBases, args)
			}),
	}
}

// pathFailure maps a validator error onto the envelope.
func pathFailure(path string, err error) Result {
	switch {
	case errors.Is(err, validator.ErrTraversal), errors.Is(err, validator.ErrOutsideWorkspace):
		return Fail(CodePathForbidden, "%s", err.Error())
	case errors.Is(err, validator.ErrInvalidPath):
		return Fail(CodePathForbidden, "invalid path %q", path)
	}
	return Fail(CodePathForbidden, "%s", err.Error())
}

func readFile(ws *validator.Workspace, args map[string]interface{}) Result {
	path, bad := requireString(args, "path")
	if bad != nil {
		return *bad
	}
	resolved, err := ws.Resolve(path)
	if err != nil {
		return pathFailure(path, err)
	}
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Fail(CodeFileNotFound, "file not found: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return Fail(CodePermission, "permission denied: %s", path)
	case err != nil:
		return Fail(CodeReadError, "%s", err.Error())
	}
	content := string(data)
	return OK(map[string]interface{}{
		"path":    ws.Rel(resolved),
		"content": content,
		"size":    len(data),
		"lines":   strings.Count(content, "\n") + 1,
	})
}

func writeFile(ws *validator.Workspace, allowWrite bool, args map[string]interface{}) Result {
	path, bad := requireString(args, "path")
	if bad != nil {
		return *bad
	}
	resolved, err := ws.Resolve(path)
	if err != nil {
		return pathFailure(path, err)
	}
	if !allowWrite {
		return Fail(CodeWriteDisabled, "writing is disabled by configuration")
	}
	content := argString(args, "content", "")
	appendMode := argBool(args, "append", false)

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Fail(CodeWriteError, "%s", err.Error())
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	mode := "write"
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		mode = "append"
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if errors.Is(err, fs.ErrPermission) {
		return Fail(CodePermission, "permission denied: %s", path)
	}
	if err != nil {
		return Fail(CodeWriteError, "%s", err.Error())
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return Fail(CodeWriteError, "%s", err.Error())
	}
	if err := f.Close(); err != nil {
		return Fail(CodeWriteError, "%s", err.Error())
	}
	return OK(map[string]interface{}{
		"path": ws.Rel(resolved),
		"size": len(content),
		"mode": mode,
	})
}

func listDirectory(ws *validator.Workspace, args map[string]interface{}) Result {
	path := argString(args, "path", ".")
	resolved, err := ws.Resolve(path)
	if err != nil {
		return pathFailure(path, err)
	}
	entries, err := os.ReadDir(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Fail(CodeDirNotFound, "directory not found: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return Fail(CodePermission, "permission denied: %s", path)
	case err != nil:
		return Fail(CodeReadError, "%s", err.Error())
	}
	items := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		items = append(items, map[string]interface{}{
			"name":   e.Name(),
			"is_dir": e.IsDir(),
			"size":   size,
		})
	}
	return OK(map[string]interface{}{
		"path":    ws.Rel(resolved),
		"entries": items,
		"count":   len(items),
	})
}

func searchFiles(ctx context.Context, ws *validator.Workspace, args map[string]interface{}) Result {
	pattern, bad := requireString(args, "pattern")
	if bad != nil {
		return *bad
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return Fail(CodeInvalidParams, "invalid pattern %q: %v", pattern, err)
	}
	path := argString(args, "path", ".")
	root, err := ws.Resolve(path)
	if err != nil {
		return pathFailure(path, err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Fail(CodeDirNotFound, "directory not found: %s", path)
	}

	var matches []string
	total := 0
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok && p != root {
			total++
			if len(matches) < maxGlobMatches {
				matches = append(matches, ws.Rel(p))
			}
		}
		return nil
	})
	if walkErr != nil {
		return Fail(CodeReadError, "%s", walkErr.Error())
	}
	sort.Strings(matches)
	return OK(map[string]interface{}{
		"pattern": pattern,
		"path":    ws.Rel(root),
		"matches": matches,
		"count":   total,
	})
}

func searchDirectory(ws *validator.Workspace, extraBases []string, args map[string]interface{}) Result {
	name, bad := requireString(args, "name")
	if bad != nil {
		return *bad
	}
	base := argString(args, "base", ws.Root())
	depth := argInt(args, "max_depth", searchMaxDepth)
	if depth > searchMaxDepth || depth < 0 {
		depth = searchMaxDepth
	}

	abs := validator.Normalize(base)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(ws.Root(), abs)
	}
	abs = filepath.Clean(abs)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !baseAllowed(abs, ws.Root(), extraBases) {
			return Fail(CodeBaseNotAllowed, "base not allowed: %s", base)
		}
		return Fail(CodeBaseNotFound, "base directory not found: %s", abs)
	}
	if !baseAllowed(resolved, ws.Root(), extraBases) {
		return Fail(CodeBaseNotAllowed, "base not allowed: %s", base)
	}
	if info, err := os.Stat(resolved); err != nil || !info.IsDir() {
		return Fail(CodeBaseNotFound, "base directory not found: %s", resolved)
	}

	needle := strings.ToLower(name)
	var matches []map[string]interface{}
	var walk func(dir string, level int)
	walk = func(dir string, level int) {
		if level > depth || len(matches) >= searchMaxResults {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if len(matches) >= searchMaxResults {
				return
			}
			// Symlinked directories are not followed.
			if !e.IsDir() {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if strings.Contains(strings.ToLower(e.Name()), needle) {
				matches = append(matches, map[string]interface{}{
					"path":  p,
					"name":  e.Name(),
					"depth": level,
				})
			}
			if level < depth {
				walk(p, level+1)
			}
		}
	}
	walk(resolved, 0)

	var suggestion interface{}
	if len(matches) > 0 {
		suggestion = matches[0]["path"]
	}
	if matches == nil {
		matches = []map[string]interface{}{}
	}
	return OK(map[string]interface{}{
		"query":      name,
		"base":       resolved,
		"max_depth":  depth,
		"matches":    matches,
		"count":      len(matches),
		"suggestion": suggestion,
	})
}

func baseAllowed(path, root string, extra []string) bool {
	for _, b := range append([]string{root}, extra...) {
		allowed, err := filepath.Abs(b)
		if err != nil {
			continue
		}
		if r, err := filepath.EvalSymlinks(allowed); err == nil {
			allowed = r
		}
		rel, err := filepath.Rel(allowed, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
