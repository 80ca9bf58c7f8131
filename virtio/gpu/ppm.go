package gpu

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// FileSnapshotter writes each flushed framebuffer to "<Prefix>-<flush>.ppm"
// on the local filesystem.
type FileSnapshotter struct {
	Prefix string
}

func (s FileSnapshotter) WritePPM(flushCount uint64, fb []byte, width, height uint32) error {
	path := fmt.Sprintf("%s-%06d.ppm", s.Prefix, flushCount)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return WritePPM(f, fb, width, height)
}

// WritePPM serializes a BGRA8 framebuffer as a binary P6 PPM image. Bytes
// of each pixel are interpreted (b, g, r, _) and written as an (r, g, b)
// triple, row-major.
func WritePPM(w io.Writer, fb []byte, width, height uint32) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "P6\n%d %d\n255\n", width, height); err != nil {
		return err
	}

	px := [3]byte{}
	for i := 0; i+4 <= len(fb); i += 4 {
		px[0], px[1], px[2] = fb[i+2], fb[i+1], fb[i]
		if _, err := bw.Write(px[:]); err != nil {
			return err
		}
	}

	return bw.Flush()
}
