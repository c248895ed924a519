package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// sourceFile is one matched source file in a stamp.
type sourceFile struct {
	Path  string `json:"path"`
	MTime int64  `json:"mtime_ns"`
	Size  int64  `json:"size"`
}

// SourceStamp captures the identity of a read node's source data so the
// node's fingerprint changes when the data does. A user-supplied etag wins;
// otherwise the stamp covers every file matched by the path pattern with
// its modification time and size. Non-read kinds stamp empty.
func SourceStamp(s Settings) (string, error) {
	rs, ok := s.(*ReadSettings)
	if !ok {
		return "", nil
	}
	if rs.ETag != "" {
		return "etag:" + rs.ETag, nil
	}

	var paths []string
	if isPattern(rs.Path) {
		matches, err := doublestar.FilepathGlob(rs.Path)
		if err != nil {
			return "", fmt.Errorf("glob %q: %w", rs.Path, err)
		}
		paths = matches
	} else {
		paths = []string{rs.Path}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no files match %q", rs.Path)
	}
	sort.Strings(paths)

	files := make([]sourceFile, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("stat source %q: %w", p, err)
		}
		if fi.IsDir() {
			continue
		}
		files = append(files, sourceFile{Path: p, MTime: fi.ModTime().UnixNano(), Size: fi.Size()})
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no files match %q", rs.Path)
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", err
	}
	return "files:" + string(b), nil
}

func isPattern(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
