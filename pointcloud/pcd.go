package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

func colorToPCDInt(pt Data) int {
	if pt == nil || !pt.HasColor() {
		return 255 << 16
	}

	r, g, b := pt.RGB255()
	x := 0

	x |= (int(r) << 16)
	x |= (int(g) << 8)
	x |= (int(b) << 0)
	return x
}

func pcdIntToColor(c int) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

// ToPCD writes out a point cloud to a PCD file of the chosen type. Positions are written in
// metres.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	hasColor := cloud.MetaData().HasColor
	header := "VERSION .7\n"
	if hasColor {
		header += "FIELDS x y z rgb\n" +
			"SIZE 4 4 4 4\n" +
			"TYPE F F F I\n" +
			"COUNT 1 1 1 1\n"
	} else {
		header += "FIELDS x y z\n" +
			"SIZE 4 4 4\n" +
			"TYPE F F F\n" +
			"COUNT 1 1 1\n"
	}
	header += fmt.Sprintf("WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(),
		1,
		cloud.Size())

	switch outputType {
	case PCDBinary:
		header += "DATA binary\n"
	case PCDAscii:
		header += "DATA ascii\n"
	default:
		return errors.Errorf("unsupported pcd type %d", outputType)
	}
	if _, err := io.WriteString(out, header); err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType, hasColor)
}

func writePCDData(cloud PointCloud, out io.Writer, pcdtype PCDType, hasColor bool) error {
	var err error
	buf := make([]byte, 16)
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		switch pcdtype {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			if hasColor {
				binary.LittleEndian.PutUint32(buf[12:], uint32(colorToPCDInt(d)))
				_, err = out.Write(buf)
			} else {
				_, err = out.Write(buf[:12])
			}
		case PCDAscii:
			if hasColor {
				_, err = fmt.Fprintf(out, "%f %f %f %d\n", pos.X, pos.Y, pos.Z, colorToPCDInt(d))
			} else {
				_, err = fmt.Fprintf(out, "%f %f %f\n", pos.X, pos.Y, pos.Z)
			}
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields   []string
	points   int
	dataType PCDType
}

func (h pcdHeader) hasColor() bool {
	return len(h.fields) == 4 && h.fields[3] == "rgb"
}

// ReadPCD reads a PCD written by ToPCD, ascii or binary.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	in := bufio.NewReader(inRaw)
	var header pcdHeader
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "error reading pcd header")
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		switch parts[0] {
		case "FIELDS":
			header.fields = parts[1:]
			if len(header.fields) != 3 && !header.hasColor() {
				return nil, errors.Errorf("unsupported pcd fields %v", header.fields)
			}
		case "POINTS":
			if len(parts) != 2 {
				return nil, errors.Errorf("bad POINTS line %q", line)
			}
			header.points, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, errors.Wrapf(err, "bad POINTS line %q", line)
			}
		case "DATA":
			switch {
			case len(parts) == 2 && parts[1] == "ascii":
				header.dataType = PCDAscii
				return readPCDAscii(in, header)
			case len(parts) == 2 && parts[1] == "binary":
				header.dataType = PCDBinary
				return readPCDBinary(in, header)
			default:
				return nil, errors.Errorf("unsupported pcd data %q", line)
			}
		}
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(header.points)
	for i := 0; i < header.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		parts := strings.Fields(line)
		if len(parts) != len(header.fields) {
			return nil, errors.Errorf("pcd point %d has %d values, expected %d", i, len(parts), len(header.fields))
		}
		values := make([]float64, len(parts))
		for j, part := range parts {
			values[j], err = strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "pcd point %d", i)
			}
		}
		if err := setPCDPoint(pc, values, header); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(header.points)
	buf := make([]byte, 4*len(header.fields))
	for i := 0; i < header.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "pcd point %d", i)
		}
		values := make([]float64, len(header.fields))
		for j := range values {
			bits := binary.LittleEndian.Uint32(buf[4*j:])
			if j == 3 {
				values[j] = float64(bits)
			} else {
				values[j] = float64(math.Float32frombits(bits))
			}
		}
		if err := setPCDPoint(pc, values, header); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func setPCDPoint(pc PointCloud, values []float64, header pcdHeader) error {
	pos := r3.Vector{X: values[0], Y: values[1], Z: values[2]}
	if header.hasColor() {
		return pc.Set(pos, NewColoredData(pcdIntToColor(int(values[3]))))
	}
	return pc.Set(pos, NewBasicData())
}
