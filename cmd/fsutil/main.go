// Command fsutil implements the scratch-disk ABI of spec §6: a host-side
// tool that injects a file onto (PUT) or extracts a file from (GET) a raw
// disk image, the way a developer loads a userspace binary onto a Pintos
// disk image before boot. Built kingpin-style, the CLI-flag idiom the
// complete talyz-systemd_exporter teacher-pack repo depends on.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

// sectorSize mirrors internal/disk.SectorSize; this tool operates directly
// on a host disk image file rather than through the in-process simulated
// Disk, so it is not worth an import just for one constant.
const sectorSize = 512

// putMagic marks a PUT header sector (spec §6: "first 4 bytes are 'PUT\0'").
var putMagic = [4]byte{'P', 'U', 'T', 0}

var (
	app = kingpin.New("fsutil", "Scratch-disk PUT/GET tool for pebblekern disk images.")

	putCmd     = app.Command("put", "Write a host file onto a scratch disk image at a given sector.")
	putImage   = putCmd.Arg("image", "disk image path").Required().String()
	putSector  = putCmd.Arg("sector", "starting sector").Required().Int()
	putSrcFile = putCmd.Arg("file", "host file to inject").Required().String()

	getCmd     = app.Command("get", "Read a file out of a scratch disk image at a given sector.")
	getImage   = getCmd.Arg("image", "disk image path").Required().String()
	getSector  = getCmd.Arg("sector", "starting sector").Required().Int()
	getDstFile = getCmd.Arg("file", "host file to write").Required().String()
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case putCmd.FullCommand():
		if err := put(*putImage, *putSector, *putSrcFile); err != nil {
			kingpin.Fatalf("put: %v", err)
		}
	case getCmd.FullCommand():
		if err := get(*getImage, *getSector, *getDstFile); err != nil {
			kingpin.Fatalf("get: %v", err)
		}
	}
}

// put writes a header (magic plus body length) into sector, then the body across as many
// following sectors as it takes, zero-padding the last (spec §6: "a sector
// whose first 4 bytes are 'PUT\0' followed by a little-endian 32-bit
// length; subsequent sectors are the file body").
func put(image string, sector int, srcPath string) error {
	body, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}

	img, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer img.Close()

	header := make([]byte, sectorSize)
	copy(header[:4], putMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	if err := writeSector(img, sector, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	nsec := (len(body) + sectorSize - 1) / sectorSize
	for i := 0; i < nsec; i++ {
		buf := make([]byte, sectorSize)
		lo := i * sectorSize
		hi := lo + sectorSize
		if hi > len(body) {
			hi = len(body)
		}
		copy(buf, body[lo:hi])
		if err := writeSector(img, sector+1+i, buf); err != nil {
			return fmt.Errorf("write body sector %d: %w", i, err)
		}
	}
	return nil
}

// get reads the header at sector, validates the magic, and extracts exactly
// length bytes from the following sectors (spec §6: "GET is symmetric").
func get(image string, sector int, dstPath string) error {
	img, err := os.OpenFile(image, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer img.Close()

	header, err := readSector(img, sector)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if [4]byte{header[0], header[1], header[2], header[3]} != putMagic {
		return fmt.Errorf("sector %d has no PUT header", sector)
	}
	length := int(binary.LittleEndian.Uint32(header[4:8]))

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer out.Close()

	remaining := length
	for i := 0; remaining > 0; i++ {
		buf, err := readSector(img, sector+1+i)
		if err != nil {
			return fmt.Errorf("read body sector %d: %w", i, err)
		}
		n := sectorSize
		if n > remaining {
			n = remaining
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return fmt.Errorf("write destination file: %w", err)
		}
		remaining -= n
	}
	return nil
}

func writeSector(f *os.File, sector int, buf []byte) error {
	if len(buf) != sectorSize {
		panic("fsutil: sector buffer must be exactly one sector")
	}
	_, err := f.WriteAt(buf, int64(sector)*sectorSize)
	return err
}

func readSector(f *os.File, sector int) ([]byte, error) {
	buf := make([]byte, sectorSize)
	_, err := f.ReadAt(buf, int64(sector)*sectorSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
