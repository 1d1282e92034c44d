// typegen-realtime writes TypeScript declarations of the wire contract so a
// browser client can share the event and payload types.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tygo "github.com/gzuidhof/tygo/tygo"
	"github.com/spf13/pflag"
)

func main() {
	outDir := pflag.String("out", filepath.Join("web", "src", "types", "generated"), "output directory")
	pflag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	gen := tygo.New(&tygo.Config{
		TypeMappings: map[string]string{
			"time.Time":       "string",
			"json.RawMessage": "unknown",
		},
		Packages: []*tygo.PackageConfig{
			{
				Path:             "github.com/ricochet1k/taskstream/pkg/realtime",
				OutputPath:       filepath.Join(*outDir, "realtime.ts"),
				PreserveComments: "none",
			},
			{
				Path:             "github.com/ricochet1k/taskstream/pkg/api",
				OutputPath:       filepath.Join(*outDir, "api.ts"),
				PreserveComments: "none",
			},
		},
	})

	if err := gen.Generate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *outDir)
}
