package relay

import (
	"hash/fnv"
	"os"
	"strings"
)

// SkinIndex maps agent names to display-asset URLs. Built once at startup
// from the skin files on disk.
type SkinIndex struct {
	names []string
	known map[string]bool
}

// LoadSkins indexes the *.png files under dir. A missing or empty
// directory yields an empty index, which disables enrichment rather than
// failing startup.
func LoadSkins(dir string) *SkinIndex {
	idx := &SkinIndex{known: make(map[string]bool)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return idx
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".png")
		idx.names = append(idx.names, name)
		idx.known[name] = true
	}
	return idx
}

// newSkinIndex builds an index from explicit names, for tests.
func newSkinIndex(names ...string) *SkinIndex {
	idx := &SkinIndex{known: make(map[string]bool)}
	for _, n := range names {
		idx.names = append(idx.names, n)
		idx.known[n] = true
	}
	return idx
}

// AvatarURL resolves an agent name to a skin URL. Unknown names get a
// stable pseudo-random known skin so an agent keeps the same face across
// messages. Returns false when the index is empty.
func (s *SkinIndex) AvatarURL(agentName string) (string, bool) {
	if len(s.names) == 0 {
		return "", false
	}
	name := strings.ToLower(agentName)
	if !s.known[name] {
		h := fnv.New32a()
		h.Write([]byte(name))
		name = s.names[int(h.Sum32())%len(s.names)]
	}
	return "/static/agent-skins/" + name + ".png", true
}

// Enrich walks a decoded JSON value and injects avatar URLs next to the
// agent-name fields the frontend knows about. It is a pure annotation
// pass: missing or oddly-typed fields are left alone, and the value shape
// is preserved apart from the survivors list (names become objects).
func (s *SkinIndex) Enrich(payload any) any {
	if len(s.names) == 0 {
		return payload
	}
	switch v := payload.(type) {
	case []any:
		for i := range v {
			v[i] = s.Enrich(v[i])
		}
		return v
	case map[string]any:
		return s.enrichObject(v)
	default:
		return payload
	}
}

func (s *SkinIndex) enrichObject(obj map[string]any) map[string]any {
	// Direct agent_name field (agent messages, death events).
	if name, ok := obj["agent_name"].(string); ok {
		if url, ok := s.AvatarURL(name); ok {
			obj["avatar_url"] = url
		}
	}

	// Clone events: parent_name / child_name.
	for _, key := range []string{"parent_name", "child_name"} {
		if name, ok := obj[key].(string); ok {
			if url, ok := s.AvatarURL(name); ok {
				obj[strings.Replace(key, "name", "avatar_url", 1)] = url
			}
		}
	}

	// Global state: agents array and graveyard.
	for _, listKey := range []string{"agents", "graveyard"} {
		items, ok := obj[listKey].([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			agent, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := agent["name"].(string); ok {
				if url, ok := s.AvatarURL(name); ok {
					agent["avatar_url"] = url
				}
			}
		}
	}

	// End event: survivors name list becomes objects with avatars.
	if survivors, ok := obj["survivors"].([]any); ok {
		enriched := make([]any, 0, len(survivors))
		for _, item := range survivors {
			name, ok := item.(string)
			if !ok {
				enriched = append(enriched, item)
				continue
			}
			entry := map[string]any{"name": name}
			if url, ok := s.AvatarURL(name); ok {
				entry["avatar_url"] = url
			}
			enriched = append(enriched, entry)
		}
		obj["survivors"] = enriched
	}

	// Nested payloads carry the same conventions at any depth.
	for key, value := range obj {
		switch value.(type) {
		case map[string]any, []any:
			obj[key] = s.Enrich(value)
		}
	}

	return obj
}
