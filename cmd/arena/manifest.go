package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/sims/race"
)

// manifest is the file given to "arena run": which simulation to play and
// the entries taking part.
//
//	simulation: race
//	options: {length: 20}
//	entries:
//	  - id: steady
//	    code: return 2
//	  - id: walker
//	    engine: wasm
//	    file: walker.wasm
//	    params: [position, tick]
type manifest struct {
	Simulation string          `yaml:"simulation"`
	Options    map[string]any  `yaml:"options"`
	Entries    []manifestEntry `yaml:"entries"`
}

type manifestEntry struct {
	ID      string       `yaml:"id"`
	Engine  realm.Engine `yaml:"engine"`
	Prelude string       `yaml:"prelude"`
	Code    string       `yaml:"code"`
	// File replaces Code with the contents of a file relative to the
	// manifest. A wasm file may hold the binary module or its base64.
	File         string   `yaml:"file"`
	Params       []string `yaml:"params"`
	PauseOnError bool     `yaml:"pause_on_error"`
}

var wasmMagic = []byte("\x00asm")

var defaultParams = map[realm.Engine][]string{
	realm.EngineGo:   {"state", "api"},
	realm.EngineWasm: {"position", "tick"},
}

func loadManifest(path string) (*protocol.BeginPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read manifest")
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse manifest")
	}
	return m.payload(filepath.Dir(path))
}

func (m *manifest) payload(dir string) (*protocol.BeginPayload, error) {
	if m.Simulation == "" {
		m.Simulation = race.Name
	}
	if len(m.Entries) == 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, "manifest has no entries")
	}

	p := &protocol.BeginPayload{Simulation: m.Simulation}
	if len(m.Options) > 0 {
		opts, err := json.Marshal(m.Options)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "encode options")
		}
		p.Options = opts
	}

	seen := make(map[string]bool, len(m.Entries))
	for i, e := range m.Entries {
		if e.ID == "" {
			return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("entry %d has no id", i))
		}
		if seen[e.ID] {
			return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("duplicate entry id %q", e.ID))
		}
		seen[e.ID] = true

		if e.Engine == "" {
			e.Engine = realm.EngineGo
		}
		params, ok := defaultParams[e.Engine]
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("entry %q: unknown engine %q", e.ID, e.Engine))
		}
		if e.Params != nil {
			params = e.Params
		}

		code := e.Code
		if e.File != "" {
			file := e.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(dir, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read entry "+e.ID)
			}
			code = string(data)
			if e.Engine == realm.EngineWasm && bytes.HasPrefix(data, wasmMagic) {
				code = protocol.WasmCode(data)
			}
		}

		p.Entries = append(p.Entries, protocol.EntrySource{
			ID:           e.ID,
			Engine:       e.Engine,
			Prelude:      e.Prelude,
			Code:         code,
			Params:       params,
			PauseOnError: e.PauseOnError,
		})
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "manifest entries")
	}
	return p, nil
}
