package engine

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"time"
)

// tarArchive builds an in-memory tar archive from a name -> content map,
// owned by the given uid/gid. Used both for image build contexts and for
// copying scripts into containers.
func tarArchive(files map[string][]byte, uid, gid int) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			Uid:     uid,
			Gid:     gid,
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write tar entry %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	return buf.Bytes(), nil
}
