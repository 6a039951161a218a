package packagedb

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// identifierGrammar is the allowed-character grammar for package and
// application identifiers (spec.md §3): reverse-DNS style, lowercase
// letters, digits, dots and hyphens.
var identifierGrammar = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

// ValidIdentifier reports whether id matches the allowed-character grammar.
func ValidIdentifier(id string) bool {
	return id != "" && identifierGrammar.MatchString(id)
}

// manifestAppDoc mirrors one entry of a manifest's declared applications.
type manifestAppDoc struct {
	ID                string            `yaml:"id"`
	Code              string            `yaml:"code"`
	Runtime           string            `yaml:"runtime"`
	RuntimeParameters map[string]string `yaml:"runtimeParameters,omitempty"`
}

// manifestDoc is the YAML shape of info.yaml (spec.md §6).
type manifestDoc struct {
	ID                string            `yaml:"id"`
	Code              string            `yaml:"code"`
	Runtime           string            `yaml:"runtime"`
	RuntimeParameters map[string]string `yaml:"runtimeParameters,omitempty"`
	DisplayName       map[string]string `yaml:"displayName"`
	DisplayIcon       string            `yaml:"displayIcon"`
	Capabilities      []string          `yaml:"capabilities"`
	Categories        []string          `yaml:"categories"`
	MimeTypes         []string          `yaml:"mimeTypes"`
	Intents           []string          `yaml:"intents"`
	Version           string            `yaml:"version"`
	BuiltIn           bool              `yaml:"builtIn"`
	Applications      []manifestAppDoc  `yaml:"applications,omitempty"`
}

// AppInfo is the declared-but-not-yet-live view of one application entry.
type AppInfo struct {
	ID                string
	CodeFilePath      string
	RuntimeName       string
	RuntimeParameters map[string]string
}

// PackageInfo is the immutable descriptor loaded from a manifest file
// (spec.md §3).
type PackageInfo struct {
	ID           string
	DisplayNames map[string]string
	Icon         string
	Applications []AppInfo
	Intents      []string
	Capabilities []string
	MimeTypes    []string
	Version      string
	BuiltIn      bool
	BaseDir      string
}

// parseManifestFile loads and validates one info.yaml. The caller is
// responsible for matching the package identifier against the containing
// directory name (spec.md §3 invariant) since that depends on discovery
// context this function does not have.
func parseManifestFile(path string, content []byte) (PackageInfo, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return PackageInfo{}, fmt.Errorf("packagedb: parsing manifest %s: %w", path, err)
	}
	if !ValidIdentifier(doc.ID) {
		return PackageInfo{}, fmt.Errorf("packagedb: invalid package identifier %q in %s", doc.ID, path)
	}

	apps := make([]AppInfo, 0, len(doc.Applications))
	// A manifest with no explicit "applications" list declares a single,
	// implicit application sharing the package's own id/code/runtime - this
	// matches the common single-app package shape used throughout
	// original_source's jsonapplicationscanner.cpp.
	if len(doc.Applications) == 0 {
		apps = append(apps, AppInfo{
			ID:                doc.ID,
			CodeFilePath:      doc.Code,
			RuntimeName:       doc.Runtime,
			RuntimeParameters: doc.RuntimeParameters,
		})
	} else {
		for _, a := range doc.Applications {
			apps = append(apps, AppInfo{
				ID:                a.ID,
				CodeFilePath:      a.Code,
				RuntimeName:       a.Runtime,
				RuntimeParameters: a.RuntimeParameters,
			})
		}
	}

	return PackageInfo{
		ID:           doc.ID,
		DisplayNames: doc.DisplayName,
		Icon:         doc.DisplayIcon,
		Applications: apps,
		Intents:      doc.Intents,
		Capabilities: doc.Capabilities,
		MimeTypes:    doc.MimeTypes,
		Version:      doc.Version,
		BuiltIn:      doc.BuiltIn,
	}, nil
}

func readManifestFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
