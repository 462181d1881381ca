// Package config loads gadgeter job files and freezes them into a
// pipeline configuration.
//
// A job file is YAML. Every field is optional; command-line flags
// override file values, and defaults fill what remains.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"gadgeter/internal/gadget"
	"gadgeter/internal/pipeline"
)

// DefaultLibraryName is the file name written into lib/<abi>/.
const DefaultLibraryName = "libfrida-gadget.so"

// DefaultGadgetConfig makes the gadget listen on the default port and
// block the app until a client attaches.
const DefaultGadgetConfig = `{
  "interaction": {
    "type": "listen",
    "port": 27042,
    "on_port_conflict": "fail",
    "on_load": "wait"
  }
}
`

// DefaultConfigKeyword as the library config selects DefaultGadgetConfig.
const DefaultConfigKeyword = "default"

var ErrInvalid = errors.New("config: invalid job")

// Job is the on-disk job description.
type Job struct {
	// Input is the source package path.
	Input string `yaml:"input"`

	// Output is the signed package path. Default: <input>-gadget.apk
	Output string `yaml:"output"`

	// WorkDir is the parent of the staging directory.
	WorkDir string `yaml:"work_dir"`

	// ForceCleanup removes staging even when the run fails.
	ForceCleanup bool `yaml:"force_cleanup"`

	Library LibraryConfig `yaml:"library"`
	Archive ArchiveConfig `yaml:"archive"`
	Tools   ToolsConfig   `yaml:"tools"`
	Signing SigningConfig `yaml:"signing"`

	// GraphDir receives DOT graphs of the patched class.
	GraphDir string `yaml:"graph_dir"`

	// ReportDir receives report.json.
	ReportDir string `yaml:"report_dir"`
}

// LibraryConfig selects the library and where it comes from.
type LibraryConfig struct {
	// Name is the file name placed into lib/<abi>/. A missing "lib"
	// prefix or ".so" suffix is added.
	Name string `yaml:"name"`

	// Source is "remote", "local" or "bundled". Default: remote
	Source string `yaml:"source"`

	// Version is the remote release. Default: gadget.DefaultVersion
	Version string `yaml:"version"`

	// Path is the local library file for source "local".
	Path string `yaml:"path"`

	// BundledDir holds the bundled assets for source "bundled".
	BundledDir string `yaml:"bundled_dir"`

	// Asset names the bundled file. Default: gadget.DefaultBundledAsset
	Asset string `yaml:"asset"`

	// ABIs is the manual selection. Empty means automatic.
	ABIs []string `yaml:"abis"`

	// Config is the gadget config text, passed through verbatim. Empty
	// places no config file; "default" selects DefaultGadgetConfig.
	// NoConfig skips the file even when Config or ConfigFile is set.
	Config     string `yaml:"config"`
	ConfigFile string `yaml:"config_file"`
	NoConfig   bool   `yaml:"no_config"`

	// NormalizeConfig rewrites the config as plain JSON instead of
	// passing it through verbatim.
	NormalizeConfig bool `yaml:"normalize_config"`

	// ProbeInsts is the number of instructions decoded per placed
	// library. Default: 8
	ProbeInsts *int `yaml:"probe_insts"`
}

// ArchiveConfig tunes the rebuilt archive.
type ArchiveConfig struct {
	// Level is the DEFLATE level, 1-9. 0 uses the default.
	Level int `yaml:"level"`
}

// ToolsConfig locates the external converters.
type ToolsConfig struct {
	Java     string `yaml:"java"`
	Baksmali string `yaml:"baksmali"`
	Smali    string `yaml:"smali"`
	Jobs     int    `yaml:"jobs"`
	API      int    `yaml:"api"`
}

// SigningConfig locates the signing tools and key.
type SigningConfig struct {
	Apksigner   string `yaml:"apksigner"`
	Zipalign    string `yaml:"zipalign"`
	Keytool     string `yaml:"keytool"`
	Keystore    string `yaml:"keystore"`
	KeyAlias    string `yaml:"key_alias"`
	StorePass   string `yaml:"store_pass"`
	KeyPass     string `yaml:"key_pass"`
	KeystoreDir string `yaml:"keystore_dir"`
	Verify      bool   `yaml:"verify"`
}

// Default returns a job with every default applied.
func Default() *Job {
	j := &Job{}
	j.applyDefaults()
	return j
}

// Load reads a YAML job file. Unknown keys are rejected.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML job.
func Parse(data []byte) (*Job, error) {
	j := &Job{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(j); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return j, nil
}

func (j *Job) applyDefaults() {
	if j.Library.Name == "" {
		j.Library.Name = DefaultLibraryName
	}
	if j.Library.Source == "" {
		j.Library.Source = gadget.SourceRemote.String()
	}
	if j.Library.Version == "" {
		j.Library.Version = gadget.DefaultVersion
	}
	if j.Library.Asset == "" {
		j.Library.Asset = gadget.DefaultBundledAsset
	}
	if j.Library.ProbeInsts == nil {
		n := 8
		j.Library.ProbeInsts = &n
	}
	if j.Output == "" && j.Input != "" {
		j.Output = strings.TrimSuffix(j.Input, ".apk") + "-gadget.apk"
	}
}

// NormalizeLibraryName adds a missing "lib" prefix and ".so" suffix. The
// second result reports whether the name changed.
func NormalizeLibraryName(name string) (string, bool) {
	out := strings.TrimSpace(name)
	if !strings.HasPrefix(out, "lib") {
		out = "lib" + out
	}
	if !strings.HasSuffix(out, ".so") {
		out += ".so"
	}
	return out, out != name
}

// GadgetConfig returns the config payload to place next to the library,
// or nil when none is wanted. Text that is not JSON (comments and
// trailing commas allowed) is passed through with a warning; with
// NormalizeConfig it is an error.
func (j *Job) GadgetConfig() ([]byte, []string, error) {
	if j.Library.NoConfig {
		return nil, nil, nil
	}
	text := j.Library.Config
	if j.Library.ConfigFile != "" {
		data, err := os.ReadFile(j.Library.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("config: gadget config: %w", err)
		}
		text = string(data)
	}
	switch strings.TrimSpace(text) {
	case "":
		return nil, nil, nil
	case DefaultConfigKeyword:
		text = DefaultGadgetConfig
	}

	plain := jsonc.ToJSON([]byte(text))
	if !j.Library.NormalizeConfig {
		if !json.Valid(plain) {
			return []byte(text), []string{"gadget config is not valid JSON; placed verbatim"}, nil
		}
		return []byte(text), nil, nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, plain, "", "  "); err != nil {
		return nil, nil, fmt.Errorf("%w: gadget config is not valid JSON: %v", ErrInvalid, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil, nil
}

// Pipeline validates the job and freezes it. Warnings describe
// auto-corrections applied along the way.
func (j *Job) Pipeline() (pipeline.Config, []string, error) {
	j.applyDefaults()
	var warnings []string

	if j.Input == "" {
		return pipeline.Config{}, nil, fmt.Errorf("%w: no input package", ErrInvalid)
	}
	name, changed := NormalizeLibraryName(j.Library.Name)
	if changed {
		warnings = append(warnings, fmt.Sprintf("library name %q corrected to %q", j.Library.Name, name))
	}
	if strings.ContainsAny(name, `/\`) {
		return pipeline.Config{}, warnings, fmt.Errorf("%w: library name %q contains a path separator", ErrInvalid, name)
	}

	src, err := gadget.ParseSource(j.Library.Source)
	if err != nil {
		return pipeline.Config{}, warnings, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	abis, err := gadget.ParseABIs(strings.Join(j.Library.ABIs, ","))
	if err != nil {
		return pipeline.Config{}, warnings, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch src {
	case gadget.SourceLocal:
		if j.Library.Path == "" {
			return pipeline.Config{}, warnings, fmt.Errorf("%w: source local needs library.path", ErrInvalid)
		}
	case gadget.SourceBundled:
		if j.Library.BundledDir == "" {
			return pipeline.Config{}, warnings, fmt.Errorf("%w: source bundled needs library.bundled_dir", ErrInvalid)
		}
		if len(abis) > 0 {
			warnings = append(warnings, "bundled library is armeabi-v7a only; ABI selection ignored")
		}
	}
	if j.Archive.Level < 0 || j.Archive.Level > 9 {
		return pipeline.Config{}, warnings, fmt.Errorf("%w: archive.level %d out of range 0-9", ErrInvalid, j.Archive.Level)
	}

	payload, cfgWarnings, err := j.GadgetConfig()
	if err != nil {
		return pipeline.Config{}, warnings, err
	}
	warnings = append(warnings, cfgWarnings...)

	return pipeline.Config{
		Input:  j.Input,
		Output: j.Output,
		Library: gadget.Request{
			Source:      src,
			Version:     j.Library.Version,
			Local:       j.Library.Path,
			Asset:       j.Library.Asset,
			LibraryName: name,
			Config:      payload,
			ABIs:        abis,
		},
		WorkDir:          j.WorkDir,
		ForceCleanup:     j.ForceCleanup,
		CompressionLevel: j.Archive.Level,
		ProbeInsts:       *j.Library.ProbeInsts,
		GraphDir:         j.GraphDir,
		ReportDir:        j.ReportDir,
	}, warnings, nil
}
