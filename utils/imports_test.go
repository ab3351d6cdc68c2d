package utils

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The layout, halo and stepping packages build without cgo; only the device
// packages link OCCA
func TestCorePackagesDoNotImportOCCA(t *testing.T) {
	core := []string{
		".", "../kernels", "../partitions", "../plasticity", "../halo", "../halo/grpctransport",
		"../dr", "../dr/output", "../timestepping", "../meshsetup", "../config",
	}
	fset := token.NewFileSet()
	for _, dir := range core {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err, dir)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
			require.NoError(t, err)
			for _, imp := range f.Imports {
				path, err := strconv.Unquote(imp.Path.Value)
				require.NoError(t, err)
				assert.NotEqual(t, "github.com/notargets/gocca", path, "%s/%s", dir, name)
				assert.NotEqual(t, "github.com/notargets/seislts/runner", path, "%s/%s", dir, name)
			}
		}
	}
}
