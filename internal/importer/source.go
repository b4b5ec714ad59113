package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
)

// Format is an OSM file encoding
type Format int

const (
	FormatPBF Format = iota
	FormatXML
)

func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "pbf"
}

// DetectFormat picks the decoder from the file name
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".pbf"):
		return FormatPBF, nil
	case strings.HasSuffix(lower, ".osm"), strings.HasSuffix(lower, ".xml"):
		return FormatXML, nil
	}
	return 0, fmt.Errorf("unrecognised OSM file extension: %s", path)
}

// NewScanner returns a scanner decoding r in the given format. PBF blocks
// are decoded on all CPUs.
func NewScanner(ctx context.Context, r io.Reader, format Format) osm.Scanner {
	if format == FormatXML {
		return osmxml.New(ctx, r)
	}
	return osmpbf.New(ctx, r, runtime.NumCPU())
}

// Source is an opened OSM file
type Source struct {
	osm.Scanner
	file *os.File
	size int64
}

// Open opens path and prepares a scanner for it
func Open(ctx context.Context, path string) (*Source, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}

	return &Source{
		Scanner: NewScanner(ctx, f, format),
		file:    f,
		size:    info.Size(),
	}, nil
}

// Size returns the file size in bytes
func (s *Source) Size() int64 { return s.size }

// Close stops the scanner and closes the file
func (s *Source) Close() error {
	scanErr := s.Scanner.Close()
	if err := s.file.Close(); err != nil {
		return err
	}
	return scanErr
}
