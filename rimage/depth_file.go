package rimage

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// rawDepthMagic starts every raw depth file.
const rawDepthMagic = "DEPTHMM1"

// maxRawDimension bounds the header values accepted when reading a raw depth file.
const maxRawDimension = 100000

// WriteRawDepthMap writes the depth map as the magic, width and height (little endian uint64) and
// then the row-major uint16 depths.
func WriteRawDepthMap(dm *DepthMap, out io.Writer) error {
	if _, err := io.WriteString(out, rawDepthMagic); err != nil {
		return err
	}
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header, uint64(dm.width))
	binary.LittleEndian.PutUint64(header[8:], uint64(dm.height))
	if _, err := out.Write(header); err != nil {
		return err
	}
	buf := make([]byte, 2*dm.width)
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			binary.LittleEndian.PutUint16(buf[2*x:], uint16(dm.GetDepth(x, y)))
		}
		if _, err := out.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadRawDepthMap reads a depth map written by WriteRawDepthMap.
func ReadRawDepthMap(in io.Reader) (*DepthMap, error) {
	r := bufio.NewReader(in)
	magic := make([]byte, len(rawDepthMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "cannot read raw depth header")
	}
	if string(magic) != rawDepthMagic {
		return nil, errors.Errorf("not a raw depth file, got magic %q", magic)
	}
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "cannot read raw depth header")
	}
	width := binary.LittleEndian.Uint64(header)
	height := binary.LittleEndian.Uint64(header[8:])
	if width == 0 || width >= maxRawDimension || height == 0 || height >= maxRawDimension {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}
	dm := NewEmptyDepthMap(int(width), int(height))
	buf := make([]byte, 2*dm.width)
	for y := 0; y < dm.height; y++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "depth row %d", y)
		}
		for x := 0; x < dm.width; x++ {
			dm.Set(x, y, Depth(binary.LittleEndian.Uint16(buf[2*x:])))
		}
	}
	return dm, nil
}

// ReadDepthMapFile reads a depth map from a .raw, .raw.gz or 16-bit .png file.
func ReadDepthMapFile(fn string) (dm *DepthMap, err error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	switch {
	case strings.HasSuffix(fn, ".png"):
		img, err := png.Decode(f)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decode %q", fn)
		}
		return ConvertImageToDepthMap(img)
	case filepath.Ext(fn) == ".gz":
		gz, gzErr := gzip.NewReader(f)
		if gzErr != nil {
			return nil, gzErr
		}
		defer func() {
			err = multierr.Combine(err, gz.Close())
		}()
		return ReadRawDepthMap(gz)
	default:
		return ReadRawDepthMap(f)
	}
}

// WriteDepthMapFile writes a depth map. The extension selects the format: .png for 16-bit PNG,
// .gz for gzipped raw and anything else for raw.
func WriteDepthMapFile(dm *DepthMap, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	switch {
	case strings.HasSuffix(fn, ".png"):
		return png.Encode(f, dm.ToGray16Picture())
	case filepath.Ext(fn) == ".gz":
		gout := gzip.NewWriter(f)
		if err := WriteRawDepthMap(dm, gout); err != nil {
			return multierr.Combine(err, gout.Close())
		}
		return gout.Close()
	default:
		w := bufio.NewWriter(f)
		if err := WriteRawDepthMap(dm, w); err != nil {
			return err
		}
		return w.Flush()
	}
}
