// Package osc reads OSM change files and applies them to a map
package osc

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/osm"
)

// Parser parses OSC (OSM Change) files
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics; read it after the change channel closes
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile parses an OSC file and streams changes to a channel.
// Files ending in .gz are decompressed.
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		f, err := os.Open(filename)
		if err != nil {
			errChan <- fmt.Errorf("failed to open OSC file: %w", err)
			return
		}
		defer f.Close()

		var reader io.Reader = f
		if strings.HasSuffix(filename, ".gz") {
			gzReader, err := gzip.NewReader(f)
			if err != nil {
				errChan <- fmt.Errorf("failed to create gzip reader: %w", err)
				return
			}
			defer gzReader.Close()
			reader = gzReader
		}

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

func (p *Parser) parse(ctx context.Context, reader io.Reader, changes chan<- Change) error {
	decoder := xml.NewDecoder(reader)
	var action Action

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		switch se := token.(type) {
		case xml.StartElement:
			var obj osm.Object
			switch se.Name.Local {
			case "create":
				action = ActionCreate
			case "modify":
				action = ActionModify
			case "delete":
				action = ActionDelete
			case "node":
				obj = &osm.Node{}
			case "way":
				obj = &osm.Way{}
			case "relation":
				obj = &osm.Relation{}
			}
			if obj == nil {
				continue
			}
			if action == "" {
				return fmt.Errorf("%s outside of a create, modify or delete block", se.Name.Local)
			}
			if err := decoder.DecodeElement(obj, &se); err != nil {
				return fmt.Errorf("failed to decode %s: %w", se.Name.Local, err)
			}

			select {
			case changes <- Change{Action: action, Object: obj}:
				p.updateStats(action, obj)
			case <-ctx.Done():
				return ctx.Err()
			}

		case xml.EndElement:
			switch se.Name.Local {
			case "create", "modify", "delete":
				action = ""
			}
		}
	}
}

func (p *Parser) updateStats(action Action, obj osm.Object) {
	var created, modified, deleted *int64
	switch obj.(type) {
	case *osm.Node:
		created, modified, deleted = &p.stats.NodesCreated, &p.stats.NodesModified, &p.stats.NodesDeleted
	case *osm.Way:
		created, modified, deleted = &p.stats.WaysCreated, &p.stats.WaysModified, &p.stats.WaysDeleted
	case *osm.Relation:
		created, modified, deleted = &p.stats.RelationsCreated, &p.stats.RelationsModified, &p.stats.RelationsDeleted
	default:
		return
	}

	switch action {
	case ActionCreate:
		*created++
	case ActionModify:
		*modified++
	case ActionDelete:
		*deleted++
	}
}
