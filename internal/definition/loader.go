// Package definition loads workflow definitions from YAML and HCL files,
// validates them, builds their graphs and serves them from a registry with
// atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/dfrun/model"
)

type decodeFunc func(path string, data []byte) (model.DefinitionFile, error)

func decodeYAML(path string, data []byte) (model.DefinitionFile, error) {
	var def model.DefinitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parsing %s: %w", path, err)
	}
	return def, nil
}

var decoders = map[string]decodeFunc{
	".yaml": decodeYAML,
	".yml":  decodeYAML,
	".hcl":  decodeHCL,
}

func decoderFor(path string) decodeFunc {
	return decoders[strings.ToLower(filepath.Ext(path))]
}

// Loader reads definition files from disk.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks each directory recursively and loads every file with a
// known extension. Other files are ignored.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var defs []model.DefinitionFile
	for _, dir := range directories {
		walk := func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || decoderFor(path) == nil {
				return err
			}
			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		}
		if err := filepath.WalkDir(dir, walk); err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}
	return defs, nil
}

// LoadFile decodes one file by extension and stamps it, and each of its
// workflows, with the source path and the SHA-256 of the raw bytes.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	decode := decoderFor(path)
	if decode == nil {
		return model.DefinitionFile{}, fmt.Errorf("%s: unsupported definition format", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := decode(path, data)
	if err != nil {
		return model.DefinitionFile{}, err
	}

	sum := sha256.Sum256(data)
	def.Checksum = hex.EncodeToString(sum[:])
	def.SourceFile = path
	for i := range def.Workflows {
		def.Workflows[i].SourceFile = path
	}
	return def, nil
}
