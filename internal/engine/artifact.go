package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staging files never carry the final name. A transfer stages its output in
// the target's directory under hidden names tagged with a scheme version, so
// a later run can tell an orphaned leftover from a foreign dotfile:
//
//	.<base>.c<index>.sv1.part   chunk artifact, index zero-padded to >= 4
//	.<base>.<uuid8>.sv1.tmp     staging (spool) file awaiting rename
//
// A staging file on disk outside an active transfer means that transfer was
// interrupted; its output must never be treated as valid.
const schemeTag = "sv1"

// chunkArtifactPath names the artifact for chunk idx of target.
func chunkArtifactPath(target string, idx int) string {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	return filepath.Join(dir, fmt.Sprintf(".%s.c%04d.%s.part", base, idx, schemeTag))
}

// spoolPath names a fresh staging file for target. The uuid fragment keeps
// retries and overlapping runs from colliding.
func spoolPath(target string) string {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.%s.tmp", base, uuid.New().String()[:8], schemeTag))
}

type stagingKind int

const (
	notStaging stagingKind = iota
	stagingChunk
	stagingSpool
)

// parseStagingName reports whether name is a staging file under the current
// scheme and, if so, the final base name it belongs to. Anything that does
// not match exactly is foreign and left alone.
func parseStagingName(name string) (string, stagingKind) {
	if len(name) < 2 || name[0] != '.' {
		return "", notStaging
	}

	var body string
	var kind stagingKind
	switch {
	case strings.HasSuffix(name, ".part"):
		body = strings.TrimSuffix(name[1:], ".part")
		kind = stagingChunk
	case strings.HasSuffix(name, ".tmp"):
		body = strings.TrimSuffix(name[1:], ".tmp")
		kind = stagingSpool
	default:
		return "", notStaging
	}

	body, ok := strings.CutSuffix(body, "."+schemeTag)
	if !ok {
		return "", notStaging
	}
	i := strings.LastIndexByte(body, '.')
	if i <= 0 {
		return "", notStaging
	}
	base, tag := body[:i], body[i+1:]

	switch kind {
	case stagingChunk:
		if len(tag) < 5 || tag[0] != 'c' || !allDigits(tag[1:]) {
			return "", notStaging
		}
	case stagingSpool:
		if len(tag) != 8 || !allHexLower(tag) {
			return "", notStaging
		}
	}
	return base, kind
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func allHexLower(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}

// reconcilePath removes staging leftovers for target from an earlier,
// interrupted run. It must run before any new output is staged for target.
func reconcilePath(target string) error {
	dir := filepath.Dir(target)
	base := filepath.Base(target)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		b, kind := parseStagingName(ent.Name())
		if kind == notStaging || b != base {
			continue
		}
		if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Sweep walks root and deletes every staging file left behind by interrupted
// transfers, returning how many were removed. Run it only while no transfers
// are active under root.
func Sweep(root string) (int, error) {
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, kind := parseStagingName(d.Name()); kind == notStaging {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}
