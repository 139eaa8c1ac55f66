package media

import (
	"os/exec"
	"strings"
	"sync"
)

// HWAccel identifies an ffmpeg hardware decode method.
type HWAccel string

const (
	HWAccelNone         HWAccel = ""
	HWAccelCUDA         HWAccel = "cuda"
	HWAccelVAAPI        HWAccel = "vaapi"
	HWAccelQSV          HWAccel = "qsv"
	HWAccelVideoToolbox HWAccel = "videotoolbox"
)

// hwAccelPriority orders accelerators for auto selection, fastest first.
var hwAccelPriority = []HWAccel{HWAccelCUDA, HWAccelVideoToolbox, HWAccelQSV, HWAccelVAAPI}

// DecodeArgs returns the ffmpeg input flags for a decode accelerator.
// Output stays in system memory because the grayscale tap reads raw frames
// from a pipe.
func DecodeArgs(accel HWAccel) []string {
	switch accel {
	case HWAccelCUDA:
		return []string{"-hwaccel", "cuda"}
	case HWAccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case HWAccelQSV:
		return []string{"-hwaccel", "qsv"}
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	default:
		return nil
	}
}

var (
	probeOnce   sync.Once
	probeResult []HWAccel
)

// AvailableHWAccels probes ffmpeg once for its compiled-in accelerators.
func AvailableHWAccels() []HWAccel {
	probeOnce.Do(func() {
		probeResult = probeHWAccels("ffmpeg")
	})
	return probeResult
}

func probeHWAccels(binary string) []HWAccel {
	cmd := exec.Command(binary, "-hide_banner", "-hwaccels")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil
	}
	return parseHWAccels(string(out))
}

// parseHWAccels extracts known accelerator names from `ffmpeg -hwaccels`
// output, one name per line after a header.
func parseHWAccels(out string) []HWAccel {
	known := map[string]HWAccel{
		string(HWAccelCUDA):         HWAccelCUDA,
		string(HWAccelVAAPI):        HWAccelVAAPI,
		string(HWAccelQSV):          HWAccelQSV,
		string(HWAccelVideoToolbox): HWAccelVideoToolbox,
	}

	var found []HWAccel
	for _, line := range strings.Split(out, "\n") {
		if accel, ok := known[strings.TrimSpace(line)]; ok {
			found = append(found, accel)
		}
	}
	return found
}

// resolveHWAccelArgs maps the configured HWAccel setting to ffmpeg flags.
// "auto" picks the best available accelerator from the probe; unknown names
// fall back to software decode.
func resolveHWAccelArgs(configured string) []string {
	switch configured {
	case "", "none":
		return nil
	case "auto":
		available := AvailableHWAccels()
		for _, accel := range hwAccelPriority {
			for _, avail := range available {
				if accel == avail {
					return DecodeArgs(accel)
				}
			}
		}
		return nil
	default:
		return DecodeArgs(HWAccel(configured))
	}
}
