package knowledge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir walks dir and turns every .md and .txt file into a document with
// source system "file", and every .jsonl file into one document per line.
func LoadDir(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, _ := filepath.Rel(dir, path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			docs = append(docs, Document{
				SourceSystem: "file",
				SourceID:     filepath.ToSlash(rel),
				Title:        strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
				Content:      string(raw),
			})
		case ".jsonl":
			lines, err := loadJSONL(path)
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			docs = append(docs, lines...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading documents from %s: %w", dir, err)
	}
	return docs, nil
}

func loadJSONL(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []Document
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if d.SourceSystem == "" || d.SourceID == "" {
			return nil, fmt.Errorf("line %d: source_system and source_id are required", line)
		}
		docs = append(docs, d)
	}
	return docs, sc.Err()
}
