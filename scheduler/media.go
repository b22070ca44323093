package scheduler

import (
	"regexp"
	"strconv"
	"strings"
)

// Recognized whole-file media types, mapped to their staging file name.
const (
	EmptyMediaType  = "application/vnd.oci.empty.v1+json"
	DiskImageType   = "application/vnd.oci.image.layer.v1.tar"
	ConfigType      = "application/vnd.oci.image.config.v1+json"
	NVRAMType       = "application/octet-stream"
	DiskImageFile   = "disk.img"
	ConfigFile      = "config.json"
	NVRAMFile       = "nvram.bin"
)

// diskPartPattern matches media types declaring a numbered disk-image part,
// e.g. "application/vnd.oci.image.layer.v1.tar;part.number=2;part.total=3".
var diskPartPattern = regexp.MustCompile(`part\.number=(\d+);part\.total=(\d+)`)

// zstdSuffix marks a reserved, not-yet-recognized compressed variant of any
// of the media types above (e.g. "...+zstd"). No current media type uses it;
// the decompression hook in package reassemble exists for when one does.
const zstdSuffix = "+zstd"

// kind classifies what a layer contributes to the staged artifact tree.
type kind int

const (
	kindIgnore kind = iota
	kindDiskPart
	kindDiskImage
	kindConfig
	kindNVRAM
)

// classification is the result of inspecting a layer's media type.
type classification struct {
	kind       kind
	partNum    int
	totalParts int
	compressed bool
}

// classify inspects a layer's mediaType and reports what role it plays in
// assembling the VM artifact tree.
func classify(mediaType string) classification {
	if mediaType == EmptyMediaType {
		return classification{kind: kindIgnore}
	}

	base, compressed := strings.CutSuffix(mediaType, zstdSuffix)

	if m := diskPartPattern.FindStringSubmatch(base); m != nil {
		partNum, errA := strconv.Atoi(m[1])
		totalParts, errB := strconv.Atoi(m[2])
		if errA == nil && errB == nil && partNum >= 1 && totalParts >= 1 {
			return classification{kind: kindDiskPart, partNum: partNum, totalParts: totalParts, compressed: compressed}
		}
		return classification{kind: kindIgnore}
	}

	switch base {
	case DiskImageType:
		return classification{kind: kindDiskImage, compressed: compressed}
	case ConfigType:
		return classification{kind: kindConfig, compressed: compressed}
	case NVRAMType:
		return classification{kind: kindNVRAM, compressed: compressed}
	default:
		return classification{kind: kindIgnore}
	}
}

// stagingFileName returns the staging file name for whole-file kinds; disk
// parts are not addressed by a single staging name.
func (k kind) stagingFileName() string {
	switch k {
	case kindDiskImage:
		return DiskImageFile
	case kindConfig:
		return ConfigFile
	case kindNVRAM:
		return NVRAMFile
	default:
		return ""
	}
}
