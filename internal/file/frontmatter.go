package file

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/goccy/go-yaml"
)

const (
	LanguageYAML = "yaml"
	LanguageJSON = "json"
)

// FrontMatter configures how headers are parsed.
type FrontMatter struct {
	Delimiter string
	Language  string
}

func (fm FrontMatter) delimiter() []byte {
	if fm.Delimiter == "" {
		return []byte("---")
	}
	return []byte(fm.Delimiter)
}

// ParseFrontMatter splits content into its header data and body. Content
// without a header is returned unchanged with nil data. The line break
// closing the delimiter line is not part of the body.
func ParseFrontMatter(content []byte, fm FrontMatter) (map[string]any, []byte, error) {
	delim := fm.delimiter()

	rest, ok := cutLine(content, delim)
	if !ok {
		return nil, content, nil
	}

	var header []byte
	found := false
	for offset := 0; offset < len(rest); {
		line, next := rest[offset:], len(rest)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line, next = line[:i+1], offset+i+1
		}
		if bytes.Equal(bytes.TrimRight(line, "\r\n"), delim) {
			header, rest, found = rest[:offset], rest[next:], true
			break
		}
		offset = next
	}
	if !found {
		// Unterminated header is not a header.
		return nil, content, nil
	}

	data := map[string]any{}
	if len(bytes.TrimSpace(header)) > 0 {
		var err error
		switch fm.Language {
		case LanguageJSON:
			err = json.Unmarshal(header, &data)
		default:
			err = yaml.Unmarshal(header, &data)
		}
		if err != nil {
			return nil, content, fmt.Errorf("failed to parse front matter: %w", err)
		}
	}

	return data, rest, nil
}

// cutLine reports whether content starts with a line holding only delim and
// returns what follows that line.
func cutLine(content, delim []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(content, delim)
	if !ok {
		return content, false
	}
	if r, ok := bytes.CutPrefix(rest, []byte("\r\n")); ok {
		return r, true
	}
	if r, ok := bytes.CutPrefix(rest, []byte("\n")); ok {
		return r, true
	}
	return content, false
}
