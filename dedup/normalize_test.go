package dedup

import (
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

const asanReport = `==1902==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000018 at pc 0x55f1a2b4c7d1 bp 0x7ffd3a5e2c10 sp 0x7ffd3a5e2c08
READ of size 4 at 0x602000000018 thread T0
    #0 0x55f1a2b4c7d0 in png_read_filter_row /src/libpng/pngrutil.c:4244:18
    #1 0x55f1a2b31e42 in png_read_row /src/libpng/pngread.c:543:9
    #2 0x55f1a2af9c11 in OSS_FUZZ_png_read_image /src/libpng/pngread.c:766:4
    #3 0x55f1a2ae82aa in LLVMFuzzerTestOneInput /src/libpng/contrib/oss-fuzz/libpng_read_fuzzer.cc:156:5
    #4 0x55f1a29d1c60 in fuzzer::Fuzzer::ExecuteCallback(unsigned char const*, unsigned long) /src/llvm-project/compiler-rt/lib/fuzzer/FuzzerLoop.cpp:611:15
    #5 0x55f1a29bd3a5 in __libc_start_main
    #6 0x55f1a29bd3a5 in _start
SUMMARY: AddressSanitizer: heap-buffer-overflow /src/libpng/pngrutil.c:4244:18 in png_read_filter_row`

// Pins the normalisation policy: retunes must review the snapshot diff.
func TestNormalizeSnapshot(t *testing.T) {
	var s string
	for _, f := range NormalizedFrames(asanReport) {
		s += f + "\n"
	}
	cupaloy.SnapshotT(t, s)
}

func TestTokenIsAddressInvariant(t *testing.T) {
	// The same defect reported under a different ASLR layout.
	var shifted = `==7741==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x60b0000a1018 at pc 0x5640ffb4c7d1 bp 0x7ffc135e2c10 sp 0x7ffc135e2c08
READ of size 4 at 0x60b0000a1018 thread T0
    #0 0x5640ffb4c7d0 in png_read_filter_row /src/libpng/pngrutil.c:4244:18
    #1 0x5640ffb31e42 in png_read_row /src/libpng/pngread.c:543:9
    #2 0x5640ffaf9c11 in OSS_FUZZ_png_read_image /src/libpng/pngread.c:766:4
    #3 0x5640ffae82aa in LLVMFuzzerTestOneInput /src/libpng/contrib/oss-fuzz/libpng_read_fuzzer.cc:156:5`

	var a = Token("address", NormalizedFrames(asanReport))
	var b = Token("address", NormalizedFrames(shifted))
	require.Equal(t, a, b)
	require.Len(t, a, 16)

	// Sanitizer participates in the token.
	require.NotEqual(t, a, Token("undefined", NormalizedFrames(asanReport)))

	// A different top frame is a different defect.
	var other = `    #0 0x55f1a2b4c7d0 in png_write_row /src/libpng/pngwrite.c:101:2
    #1 0x55f1a2b31e42 in png_read_row /src/libpng/pngread.c:543:9`
	require.NotEqual(t, a, Token("address", NormalizedFrames(other)))
}

func TestNormalizeGlueOnlyReportFallsBack(t *testing.T) {
	// Timeout reports carry no symbolized user frames.
	var report = `==1902== ERROR: libFuzzer: timeout after 60 seconds
SUMMARY: libFuzzer: timeout
MS: 2 ChangeByte-CrossOver-; base unit: adc83b19e793491b1c6ea0fd8b46cd9f32e592fc`

	var frames = NormalizedFrames(report)
	require.NotEmpty(t, frames)
	require.NotContains(t, frames[0], "==1902==")

	// Still deterministic.
	require.Equal(t,
		Token("address", frames),
		Token("address", NormalizedFrames(report)))
}

func TestNormalizeKeepsAtMostTopFrames(t *testing.T) {
	var report string
	for i := 0; i != 20; i++ {
		report += "    #0 0x55f1a2b4c7d0 in frame_fn /src/f.c:1:1\n"
	}
	require.Len(t, NormalizedFrames(report), TopFrames)
}
