package compress

import (
	"fmt"
	"io"
	"strings"

	"github.com/rowjay/zfs-backup-utility/internal/pipeline"
)

// DefaultName is the compressor used when none or an unknown one is configured.
const DefaultName = "pigz"

// Compressor describes how backup streams are compressed and which file
// extension marks them. Command compressors run external tools; native ones
// use an in-process codec.
type Compressor struct {
	Name          string
	Extension     string
	CompressCmd   []string
	DecompressCmd []string
	Codec         string
}

// Native reports whether the compressor runs in-process.
func (c Compressor) Native() bool { return c.Codec != "" }

// CompressStage returns the pipeline stage that compresses a stream.
// progress receives stderr of command compressors and may be nil.
func (c Compressor) CompressStage(progress io.Writer) pipeline.Stage {
	if c.Native() {
		codec := c.Codec
		return pipeline.WriterStage(c.Name, func(w io.Writer) (io.WriteCloser, error) {
			return WrapWriter(codec, w)
		})
	}
	return commandStage(c.Name, c.CompressCmd, progress)
}

// DecompressStage returns the pipeline stage that decompresses a stream.
func (c Compressor) DecompressStage(progress io.Writer) pipeline.Stage {
	if c.Native() {
		codec := c.Codec
		return pipeline.ReaderStage(c.Name+" -d", func(r io.Reader) (io.ReadCloser, error) {
			return WrapReader(codec, r)
		})
	}
	return commandStage(c.Name+" -d", c.DecompressCmd, progress)
}

func commandStage(label string, argv []string, progress io.Writer) pipeline.Stage {
	return &pipeline.Command{Label: label, Path: argv[0], Args: argv[1:], Progress: progress}
}

// Registry is an immutable set of compressors keyed by name and extension.
type Registry struct {
	defaultName string
	byName      map[string]Compressor
	ordered     []Compressor
}

// NewRegistry builds a registry. When several compressors share an
// extension, the first registered one decompresses files with that extension.
func NewRegistry(defaultName string, compressors ...Compressor) (*Registry, error) {
	r := &Registry{defaultName: defaultName, byName: make(map[string]Compressor, len(compressors))}
	for _, c := range compressors {
		if c.Name == "" || c.Extension == "" {
			return nil, fmt.Errorf("compressor needs a name and an extension: %+v", c)
		}
		if !c.Native() && (len(c.CompressCmd) == 0 || len(c.DecompressCmd) == 0) {
			return nil, fmt.Errorf("compressor %s needs compress and decompress commands", c.Name)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate compressor: %s", c.Name)
		}
		r.byName[c.Name] = c
		r.ordered = append(r.ordered, c)
	}
	if _, ok := r.byName[defaultName]; !ok {
		return nil, fmt.Errorf("default compressor %s is not registered", defaultName)
	}
	return r, nil
}

// Standard returns the built-in compressor table.
func Standard() *Registry {
	r, err := NewRegistry(DefaultName,
		Compressor{Name: "pigz", Extension: "gz", CompressCmd: []string{"pigz", "-c"}, DecompressCmd: []string{"pigz", "-d", "-c"}},
		Compressor{Name: "gzip", Extension: "gz", CompressCmd: []string{"gzip", "-c"}, DecompressCmd: []string{"gzip", "-d", "-c"}},
		Compressor{Name: "zstd", Extension: "zst", CompressCmd: []string{"zstd", "-T0", "-c"}, DecompressCmd: []string{"zstd", "-d", "-c"}},
		Compressor{Name: "pgzip", Extension: "gz", Codec: CodecGzip},
		Compressor{Name: "zstd-go", Extension: "zst", Codec: CodecZstd},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the compressor registered under name.
func (r *Registry) Lookup(name string) (Compressor, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ByName returns the named compressor, or the default one when name is unknown.
func (r *Registry) ByName(name string) Compressor {
	if c, ok := r.byName[name]; ok {
		return c
	}
	return r.byName[r.defaultName]
}

// ByExtension finds the compressor for a file name ending in ".<extension>".
func (r *Registry) ByExtension(filename string) (Compressor, bool) {
	for _, c := range r.ordered {
		if strings.HasSuffix(filename, "."+c.Extension) {
			return c, true
		}
	}
	return Compressor{}, false
}

// Names lists registered compressors in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ordered))
	for _, c := range r.ordered {
		names = append(names, c.Name)
	}
	return names
}
