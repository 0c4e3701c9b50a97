package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/test"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runApp runs app with args and returns its exit code and output.
func runApp(t *testing.T, newApp func(out, errOut io.Writer) *cli.App, args ...string) (int, string, error) {
	t.Helper()
	out := &lockedBuffer{}
	app := newApp(out, out)
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{app.Name}, args...))
	if err == nil {
		return 0, out.String(), nil
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode(), out.String(), err
	}
	return -1, out.String(), err
}

func TestCalibrateInvalidPatternType(t *testing.T) {
	dir := t.TempDir()
	calib := filepath.Join(dir, "calibration.yml")
	code, _, err := runApp(t, NewCalibrateApp, "--quiet", "--pattern-type", "hexagons", filepath.Join(dir, "missing"), calib)
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "Invalid pattern type")
	_, err = os.Stat(calib)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestCalibrateMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	calib := filepath.Join(dir, "calibration.yml")
	code, _, err := runApp(t, NewCalibrateApp, "--quiet", filepath.Join(dir, "missing"), calib)
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "is not a directory")
	_, err = os.Stat(calib)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestCalibrateArguments(t *testing.T) {
	code, _, err := runApp(t, NewCalibrateApp, "--quiet")
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "got 0 arguments")

	code, _, err = runApp(t, NewCalibrateApp, "--quiet", "a", "b", "c")
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "got 3 arguments")

	code, _, err = runApp(t, NewCalibrateApp, "--quiet", "--pattern-width", "1", t.TempDir())
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateMissingIntrinsicsJSON(t *testing.T) {
	dir := t.TempDir()
	calib := filepath.Join(dir, "calibration.yml")
	code, _, err := runApp(t, NewCalibrateApp, "--quiet", "--intrinsics-json", filepath.Join(dir, "missing.json"), dir, calib)
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldContainSubstring, "error reading JSON file")
	_, err = os.Stat(calib)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestScanListGrabbers(t *testing.T) {
	code, out, err := runApp(t, NewScanApp, "--list-grabbers")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, code, test.ShouldEqual, 0)
	test.That(t, out, test.ShouldEqual, "fake\nfile\n")
}

func TestScanInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		msg  string
	}{
		{"two families", []string{"--fake", "--pmd"}, "only one driver family"},
		{"unknown estimator", []string{"--fake", "--pose-estimator", "guess"}, "unknown pose estimator"},
		{"bad pose", []string{"--fake", "--pose-estimator", "delta", "--pose-delta", "1 2"}, "invalid --pose-delta"},
		{"delta without pose", []string{"--fake", "--pose-estimator", "delta"}, "needs a delta pose"},
		{"session without catalog", []string{"--fake", "--pose-session", "abc"}, "needs a catalog"},
		{"headless sync", []string{"--fake", "--headless", "--sync"}, "synchronous device"},
		{"negative thumbnail", []string{"--fake", "--thumbnail", "-1"}, "thumbnail width"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, _, err := runApp(t, NewScanApp, append(tc.args, "--log-file", filepath.Join(t.TempDir(), "scan.log"))...)
			test.That(t, code, test.ShouldEqual, 1)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.msg)
		})
	}
}

func TestScanWithoutDevice(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "scan.log")
	prefix := filepath.Join(dir, "grab1")
	code, _, err := runApp(t, NewScanApp, "--pmd", "--prefix", prefix, "--log-file", logFile)
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err.Error(), test.ShouldEqual, "no RGBD device connected")
	_, err = os.Stat(prefix)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	code, _, err = runApp(t, NewScanApp, "--kin4win", "--headless", "--prefix", prefix)
	test.That(t, code, test.ShouldEqual, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestScanHeadless(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "grab1")
	model := filepath.Join(dir, "model.pcd")
	code, out, err := runApp(t, NewScanApp,
		"--fake", "--headless", "--max-frames", "3", "--fps", "100",
		"--record", "--prefix", prefix, "--output", model,
		"--pose-estimator", "delta", "--pose-delta", "0.001 0 0 0 0 0",
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, code, test.ShouldEqual, 0)
	test.That(t, out, test.ShouldContainSubstring, "3 frames, 3 fused")
	test.That(t, out, test.ShouldContainSubstring, "0 errors")

	_, err = os.Stat(model)
	test.That(t, err, test.ShouldBeNil)
	for _, view := range []string{"view0000", "view0001", "view0002"} {
		_, err = os.Stat(filepath.Join(prefix, view))
		test.That(t, err, test.ShouldBeNil)
	}
}
