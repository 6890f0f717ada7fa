// Package disks holds named size presets for formatting new images, the way
// a real mkfs tool lets you say "floppy" instead of spelling out a block
// count.
package disks

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// Geometry describes a preset image size: a human name and a total byte
// count. Smaller fields from physical disk geometries (heads, tracks,
// sectors) don't apply to a block-addressed image, so only the derived size
// survives.
type Geometry struct {
	Name           string `csv:"name"`
	Slug           string `csv:"slug"`
	TotalSizeBytes int64  `csv:"total_size_bytes"`
	Notes          string `csv:"notes"`
}

//go:embed disk-geometries.csv
var diskGeometriesRawCSV string

var diskGeometries = make(map[string]Geometry)

// GetPredefinedGeometry looks up a named size preset, e.g. "floppy-1.44m".
func GetPredefinedGeometry(slug string) (Geometry, error) {
	geometry, ok := diskGeometries[slug]
	if ok {
		return geometry, nil
	}
	return Geometry{}, fmt.Errorf("no predefined disk geometry exists with slug %q", slug)
}

func init() {
	reader := strings.NewReader(diskGeometriesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row Geometry) error {
			if _, exists := diskGeometries[row.Slug]; exists {
				return fmt.Errorf("duplicate definition for disk %q", row.Slug)
			}
			diskGeometries[row.Slug] = row
			return nil
		},
	)
	if err != nil {
		panic(err)
	}
}
