package moonraker

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

type FileInfo struct {
	Path        string  `json:"path"`
	Size        int64   `json:"size"`
	Modified    float64 `json:"modified"`
	Permissions string  `json:"permissions,omitempty"`
}

type DirEntry struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        string   `json:"type"`
	Size        *int64   `json:"size,omitempty"`
	Modified    *float64 `json:"modified,omitempty"`
	Permissions string   `json:"permissions,omitempty"`
}

func parseFileList(body []byte) []FileInfo {
	list := gjson.GetBytes(body, "result")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	if !list.IsArray() {
		return []FileInfo{}
	}

	files := []FileInfo{}
	list.ForEach(func(_, entry gjson.Result) bool {
		path := entry.Get("path").String()
		if path == "" {
			return true
		}
		files = append(files, FileInfo{
			Path:        path,
			Size:        entry.Get("size").Int(),
			Modified:    entry.Get("modified").Float(),
			Permissions: entry.Get("permissions").String(),
		})
		return true
	})
	return files
}

// NormalizeDirectory flattens a directory listing into one entry list. Devices
// answer either with "items" or with separate "dirs" and "files"; both shapes
// come out identical, directories first, then by case-insensitive name.
func NormalizeDirectory(path string, result []byte) []DirEntry {
	parsed := gjson.ParseBytes(result)
	entries := []DirEntry{}

	if items := parsed.Get("items"); items.IsArray() && len(items.Array()) > 0 {
		items.ForEach(func(_, item gjson.Result) bool {
			entryType := item.Get("type").String()
			if entryType == "" {
				entryType = "file"
			}
			entryPath := firstString(item, "path", "name")
			name := item.Get("name").String()
			if name == "" {
				name = baseName(entryPath)
			}
			entries = append(entries, newDirEntry(item, name, entryPath, entryType))
			return true
		})
	} else {
		parsed.Get("dirs").ForEach(func(_, item gjson.Result) bool {
			entries = append(entries, childEntry(path, item, "dirname", "dir"))
			return true
		})
		parsed.Get("files").ForEach(func(_, item gjson.Result) bool {
			entries = append(entries, childEntry(path, item, "filename", "file"))
			return true
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == "dir", entries[j].Type == "dir"
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries
}

func childEntry(parent string, item gjson.Result, nameKey, entryType string) DirEntry {
	own := firstString(item, nameKey, "name")
	entryPath := item.Get("path").String()
	if entryPath == "" && own != "" {
		entryPath = strings.TrimRight(parent, "/") + "/" + own
	}
	name := item.Get("name").String()
	if name == "" {
		name = own
	}
	if name == "" {
		name = baseName(entryPath)
	}
	if entryPath == "" {
		entryPath = strings.TrimRight(parent, "/") + "/" + name
	}
	return newDirEntry(item, name, entryPath, entryType)
}

func newDirEntry(item gjson.Result, name, path, entryType string) DirEntry {
	entry := DirEntry{
		Name:        name,
		Path:        path,
		Type:        entryType,
		Permissions: item.Get("permissions").String(),
	}
	if size := item.Get("size"); size.Exists() && size.Type == gjson.Number {
		v := size.Int()
		entry.Size = &v
	}
	if modified := item.Get("modified"); modified.Exists() && modified.Type == gjson.Number {
		v := modified.Float()
		entry.Modified = &v
	}
	return entry
}

func firstString(item gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := item.Get(key).String(); v != "" {
			return v
		}
	}
	return ""
}

func baseName(path string) string {
	cleaned := strings.TrimRight(path, "/")
	if i := strings.LastIndex(cleaned, "/"); i >= 0 {
		return cleaned[i+1:]
	}
	return cleaned
}

// SplitRootPath splits "gcodes/sub/file.gcode" into its root and the path
// below it. A path without a root segment lands in the default root.
func SplitRootPath(p string) (string, string) {
	root, rest, found := strings.Cut(strings.TrimLeft(p, "/"), "/")
	if !found {
		return DefaultRoot, root
	}
	if root == "" {
		root = DefaultRoot
	}
	return root, rest
}
