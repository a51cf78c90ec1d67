// Package dedup assigns deterministic crash tokens to raw fuzzer crashes,
// merges duplicates, and promotes traced crashes into confirmed
// vulnerabilities grouped by root cause.
package dedup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/minio/highwayhash"
)

// TopFrames is how many normalized frames participate in the crash token.
// Deeper frames churn with inlining and library versions; the top of the
// stack is what identifies the defect.
const TopFrames = 5

// tokenKey keys the highwayhash token. 32 bytes, fixed for the life of the
// crashes catalogue: changing it re-fingerprints every crash.
var tokenKey = []byte("kestrel.crash-token.v1.00000000.")

var (
	// framePat matches sanitizer and libfuzzer backtrace frames:
	//	#4 0x55d01c8 in png_read_row /src/libpng/pngread.c:543:9
	framePat = regexp.MustCompile(`^\s*#\d+\s+(?:0x[0-9a-fA-F]+\s+in\s+)?(.+)$`)
	hexPat   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	spacePat = regexp.MustCompile(`\s+`)
)

// gluePrefixes are symbols of sanitizer runtime and fuzzing-engine glue.
// They appear in most reports and carry no signal about the defect.
var gluePrefixes = []string{
	"__asan",
	"__ubsan",
	"__msan",
	"__tsan",
	"__sanitizer",
	"__interceptor",
	"__libc_",
	"_start",
	"LLVMFuzzer",
	"fuzzer::",
	"libfuzzer",
}

// NormalizedFrames extracts up to TopFrames stable frames from a sanitizer
// report: addresses are scrubbed, runtime glue is dropped. Reports with no
// recognizable frames (e.g. a bare "SEGV on unknown address" or a timeout
// banner) fall back to their scrubbed non-banner lines so that they still
// fingerprint deterministically.
func NormalizedFrames(trace string) []string {
	var frames []string
	for _, line := range strings.Split(trace, "\n") {
		var m = framePat.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var f = scrub(m[1])
		if f == "" || isGlue(f) {
			continue
		}
		frames = append(frames, f)
		if len(frames) == TopFrames {
			break
		}
	}
	if len(frames) != 0 {
		return frames
	}

	for _, line := range strings.Split(trace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "==") || strings.HasPrefix(line, "SUMMARY:") {
			continue
		}
		if f := scrub(line); f != "" {
			frames = append(frames, f)
		}
		if len(frames) == TopFrames {
			break
		}
	}
	return frames
}

// Token fingerprints a crash by its sanitizer and normalized frames.
func Token(sanitizer string, frames []string) string {
	var h = highwayhash.Sum64(
		[]byte(sanitizer+"\x00"+strings.Join(frames, "\n")), tokenKey)
	return fmt.Sprintf("%016x", h)
}

func scrub(s string) string {
	s = hexPat.ReplaceAllString(s, "")
	s = spacePat.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func isGlue(frame string) bool {
	for _, p := range gluePrefixes {
		if strings.HasPrefix(frame, p) {
			return true
		}
	}
	return false
}
