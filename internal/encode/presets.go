package encode

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// DefaultPresetName matches the original tool's 256 kbps default.
const DefaultPresetName = "cbr256"

// Builtins returns the presets that ship with the tool.
func Builtins() []Preset {
	v0 := 0
	return []Preset{
		{Name: "cbr256", BitrateKbps: 256},
		{Name: "cbr320", BitrateKbps: 320},
		{Name: "v0", Quality: &v0},
	}
}

// Default returns the built-in default preset.
func Default() Preset {
	for _, p := range Builtins() {
		if p.Name == DefaultPresetName {
			return p
		}
	}
	return Preset{Name: DefaultPresetName, BitrateKbps: 256}
}

// Find looks up a preset by name.
func Find(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// presetsFile is the on-disk TOML shape:
//
//	[presets.cbr192]
//	bitrate = 192
//
//	[presets.v2]
//	quality = 2
type presetsFile struct {
	Presets map[string]presetDef `toml:"presets"`
}

type presetDef struct {
	Bitrate int  `toml:"bitrate"`
	Quality *int `toml:"quality"`
}

// Load returns the built-in presets overlaid with the user's presets
// file, when one exists at path. File presets may shadow built-in
// names. An empty path or missing file yields just the builtins.
func Load(path string) ([]Preset, error) {
	presets := Builtins()
	if path == "" {
		return presets, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return presets, nil
	}

	var file presetsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}

	names := make([]string, 0, len(file.Presets))
	for name := range file.Presets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := file.Presets[name]
		p := Preset{Name: name, BitrateKbps: def.Bitrate, Quality: def.Quality}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("presets file %s: %w", path, err)
		}
		if i := indexOf(presets, name); i >= 0 {
			presets[i] = p
		} else {
			presets = append(presets, p)
		}
	}
	return presets, nil
}

func indexOf(presets []Preset, name string) int {
	for i, p := range presets {
		if p.Name == name {
			return i
		}
	}
	return -1
}
