// Package feeds holds the ordered list of camera feeds and the cursor
// selecting the current one.
package feeds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PlaceholderName is shown when no usable feed list could be loaded.
const PlaceholderName = "No Config"

// MaxFeedFileBytes bounds the size of a feed list file.
const MaxFeedFileBytes = 256 * 1024

// Feed is a named network video source. Identity is its position in the list.
type Feed struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	URL  string `yaml:"url" toml:"url" json:"url"`
}

// Placeholder is the single entry substituted for an empty or broken list.
func Placeholder() Feed {
	return Feed{Name: PlaceholderName, URL: ""}
}

type feedFile struct {
	Feeds []Feed `yaml:"feeds" toml:"feeds"`
}

// Parse decodes a feed list. The format is chosen from the extension of
// name: .toml uses TOML, anything else is read as YAML, which also covers
// JSON. The YAML/JSON form is either a top-level list of {name, url} or an
// object with a feeds list.
func Parse(name string, data []byte) ([]Feed, error) {
	var list []Feed

	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		var f feedFile
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		list = f.Feeds
	default:
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("failed to parse feed list: %w", err)
		}
		if len(node.Content) == 0 {
			return nil, nil
		}
		root := node.Content[0]
		switch root.Kind {
		case yaml.SequenceNode:
			if err := root.Decode(&list); err != nil {
				return nil, fmt.Errorf("failed to decode feed list: %w", err)
			}
		case yaml.MappingNode:
			var f feedFile
			if err := root.Decode(&f); err != nil {
				return nil, fmt.Errorf("failed to decode feed list: %w", err)
			}
			list = f.Feeds
		default:
			return nil, fmt.Errorf("feed list must be a list or an object with a feeds key")
		}
	}

	for i := range list {
		list[i].Name = strings.TrimSpace(list[i].Name)
		list[i].URL = strings.TrimSpace(list[i].URL)
		if list[i].Name == "" {
			list[i].Name = fmt.Sprintf("Feed %d", i+1)
		}
	}
	return list, nil
}

// Load reads the feed list at path. It never fails: a missing, unreadable,
// malformed or empty file yields the single placeholder feed.
func Load(path string) []Feed {
	list, err := load(path)
	if err != nil {
		debug.Error(fmt.Errorf("loading feeds: %w", err))
	}
	if len(list) == 0 {
		list = []Feed{Placeholder()}
	}
	debug.Feeds(len(list), path)
	return list
}

func load(path string) ([]Feed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFeedFileBytes {
		return nil, fmt.Errorf("feed file too large: %d bytes (max %d)", info.Size(), MaxFeedFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Registry is the feed list plus the cursor. It is owned by the control
// loop and is not safe for concurrent use.
type Registry struct {
	path  string
	feeds []Feed
	index int
}

// NewRegistry loads path and places the cursor on the first feed.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, feeds: Load(path)}
}

// NewRegistryFrom builds a registry over an in-memory list.
func NewRegistryFrom(list []Feed) *Registry {
	r := &Registry{}
	r.set(list)
	return r
}

func (r *Registry) set(list []Feed) {
	if len(list) == 0 {
		list = []Feed{Placeholder()}
	}
	r.feeds = append([]Feed(nil), list...)
	if r.index >= len(r.feeds) || r.index < 0 {
		r.index = 0
	}
}

// Len is the number of feeds, always at least one.
func (r *Registry) Len() int { return len(r.feeds) }

// Index is the cursor position, always in [0, Len()).
func (r *Registry) Index() int { return r.index }

// Current returns the feed under the cursor.
func (r *Registry) Current() Feed { return r.feeds[r.index] }

// Feeds returns a copy of the list.
func (r *Registry) Feeds() []Feed {
	return append([]Feed(nil), r.feeds...)
}

// Advance moves the cursor one step forward (dir > 0) or backward
// (dir < 0) with wraparound, and returns the new current feed.
func (r *Registry) Advance(dir int) Feed {
	n := len(r.feeds)
	switch {
	case dir > 0:
		r.index = (r.index + 1) % n
	case dir < 0:
		r.index = (r.index - 1 + n) % n
	}
	return r.Current()
}

// Reload re-reads the backing file and replaces the list wholesale. The
// cursor is kept when still in range and reset to 0 otherwise.
func (r *Registry) Reload() Feed {
	if r.path != "" {
		r.set(Load(r.path))
	}
	return r.Current()
}

// Path is the file the registry was loaded from.
func (r *Registry) Path() string { return r.path }
