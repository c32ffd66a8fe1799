package hanabot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// PersonaSet holds the messages sent before and after the channel history
type PersonaSet struct {
	Pre  []Turn
	Post []Turn
}

func (p PersonaSet) clone() PersonaSet {
	return PersonaSet{
		Pre:  slices.Clone(p.Pre),
		Post: slices.Clone(p.Post),
	}
}

// PersonaLoader reads the pre and post persona documents, substituting
// the invoking user's name for the configured placeholder. Results are
// cached per username.
type PersonaLoader struct {
	config *PersonaConfig
	cache  *lru.Cache[string, PersonaSet]
	group  singleflight.Group
	logger *slog.Logger
}

func NewPersonaLoader(config *PersonaConfig, logger *slog.Logger) (
	*PersonaLoader,
	error,
) {
	if config == nil {
		return nil, errors.New("persona config required")
	}
	cache, err := lru.New[string, PersonaSet](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating persona cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonaLoader{
		config: config,
		cache:  cache,
		logger: logger,
	}, nil
}

// Load returns the persona messages for username. It never fails: a
// missing or malformed document yields a nil half.
func (p *PersonaLoader) Load(username string) PersonaSet {
	if cached, ok := p.cache.Get(username); ok {
		return cached.clone()
	}

	v, _, _ := p.group.Do(
		username, func() (any, error) {
			set := PersonaSet{
				Pre:  p.loadDocument(p.config.PrePath, username, true),
				Post: p.loadDocument(p.config.PostPath, username, false),
			}
			p.cache.Add(username, set)
			return set, nil
		},
	)
	return v.(PersonaSet).clone()
}

// Purge drops every cached persona, so the documents are read again on
// next use.
func (p *PersonaLoader) Purge() {
	p.cache.Purge()
}

func (p *PersonaLoader) loadDocument(
	path string,
	username string,
	required bool,
) []Turn {
	logger := p.logger.With("path", path, "username", username)
	missingLevel := slog.LevelDebug
	if required {
		missingLevel = slog.LevelWarn
	}

	if path == "" {
		logger.Log(context.Background(), missingLevel, "persona document not configured")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Log(context.Background(), missingLevel, "persona document not found")
		} else {
			logger.Warn("error reading persona document", tint.Err(err))
		}
		return nil
	}

	turns, err := parsePersona(data, path, p.config.Placeholder, username)
	if err != nil {
		logger.Warn("invalid persona document", tint.Err(err))
		return nil
	}
	logger.Debug("loaded persona document", "messages", len(turns))
	return turns
}

// parsePersona decodes a persona document, which must be a list of
// objects with `role` and `content` keys. Documents with a .yaml or
// .yml extension are decoded as YAML, everything else as JSON.
func parsePersona(data []byte, path string, placeholder string, username string) (
	[]Turn,
	error,
) {
	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}

	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of messages, got %T", doc)
	}

	turns := make([]Turn, 0, len(items))
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d: expected an object, got %T", i, item)
		}
		role, hasRole := entry["role"]
		content, hasContent := entry["content"]
		if !hasRole || !hasContent {
			return nil, fmt.Errorf("message %d: missing role or content", i)
		}
		roleStr, ok := role.(string)
		if !ok {
			return nil, fmt.Errorf("message %d: role must be a string", i)
		}
		contentStr, ok := content.(string)
		if !ok {
			return nil, fmt.Errorf("message %d: content must be a string", i)
		}
		if placeholder != "" {
			contentStr = strings.ReplaceAll(contentStr, placeholder, username)
		}
		turns = append(turns, Turn{Role: roleStr, Content: contentStr})
	}
	return turns, nil
}
