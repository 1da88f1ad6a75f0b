package vba

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/richardlehane/mscfb"
)

// Module is one source module extracted from a macro project.
type Module struct {
	Name string
	Code string
}

// Project is the decoded macro project: its modules in dir-stream order.
type Project struct {
	Modules []Module
}

// Decoder reads macro projects out of their CFB container format. The zero
// value is ready to use.
type Decoder struct{}

// dir-stream record IDs (MS-OVBA).
const (
	recModuleName       = 0x0019
	recModuleStreamName = 0x001A
	recModuleOffset     = 0x0031
	recModuleTerminator = 0x002B
	recTerminator       = 0x0010
)

// Decode parses the raw project bytes: walks the compound-file directory,
// decompresses the dir stream to find the module table, then decompresses
// each module's source from its recorded offset.
func (Decoder) Decode(bin []byte) (*Project, error) {
	doc, err := mscfb.New(bytes.NewReader(bin))
	if err != nil {
		return nil, fmt.Errorf("vba: open container: %w", err)
	}

	streams := make(map[string][]byte)
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if entry.Size == 0 {
			continue
		}
		data, rerr := io.ReadAll(entry)
		if rerr != nil {
			continue
		}
		streams[strings.ToLower(entry.Name)] = data
	}

	dir, ok := streams["dir"]
	if !ok {
		return nil, fmt.Errorf("vba: container has no dir stream")
	}
	table, err := Decompress(dir)
	if err != nil {
		return nil, fmt.Errorf("vba: dir stream: %w", err)
	}

	entries, err := parseModuleTable(table)
	if err != nil {
		return nil, err
	}

	project := &Project{}
	for _, m := range entries {
		data, ok := streams[strings.ToLower(m.streamName)]
		if !ok {
			return nil, fmt.Errorf("vba: missing module stream %q", m.streamName)
		}
		if m.offset > len(data) {
			return nil, fmt.Errorf("vba: module %q offset %d beyond stream", m.name, m.offset)
		}
		code, err := Decompress(data[m.offset:])
		if err != nil {
			return nil, fmt.Errorf("vba: module %q: %w", m.name, err)
		}
		project.Modules = append(project.Modules, Module{Name: m.name, Code: string(code)})
	}
	return project, nil
}

type moduleEntry struct {
	name       string
	streamName string
	offset     int
}

// parseModuleTable walks the decompressed dir stream records and collects
// per-module name, stream name, and source offset.
func parseModuleTable(table []byte) ([]moduleEntry, error) {
	var entries []moduleEntry
	var current moduleEntry
	open := false

	i := 0
	for i+6 <= len(table) {
		id := binary.LittleEndian.Uint16(table[i:])
		size := int(binary.LittleEndian.Uint32(table[i+2:]))
		i += 6
		if i+size > len(table) {
			break
		}
		payload := table[i : i+size]
		i += size

		switch id {
		case recModuleName:
			if open {
				entries = append(entries, current)
			}
			current = moduleEntry{name: string(payload)}
			current.streamName = current.name
			open = true
		case recModuleStreamName:
			if open {
				current.streamName = string(payload)
			}
		case recModuleOffset:
			if open && size >= 4 {
				current.offset = int(binary.LittleEndian.Uint32(payload))
			}
		case recModuleTerminator:
			if open {
				entries = append(entries, current)
				open = false
			}
		case recTerminator:
			if open {
				entries = append(entries, current)
				open = false
			}
			return entries, nil
		}
	}
	if open {
		entries = append(entries, current)
	}
	return entries, nil
}

var procedureRe = regexp.MustCompile(`(?im)^[ \t]*(?:public[ \t]+|private[ \t]+|friend[ \t]+)?(?:static[ \t]+)?(?:sub|function)[ \t]+([A-Za-z_][A-Za-z0-9_]*)`)

// ScanProcedures returns the procedure names declared in a module's source,
// sorted and deduplicated.
func ScanProcedures(code string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range procedureRe.FindAllStringSubmatch(code, -1) {
		name := m[1]
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
