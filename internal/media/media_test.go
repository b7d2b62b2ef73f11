package media

import (
	"context"
	"errors"
	"strings"
	"testing"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

type fakeRunner struct {
	stdout string
	stderr string
	err    error

	gotName string
	gotArgs []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	f.gotName = name
	f.gotArgs = args
	return f.stdout, f.stderr, f.err
}

func TestDurationParsesProbeOutput(t *testing.T) {
	runner := &fakeRunner{stdout: "42.525000\n"}
	p := NewProcessor(runner, logging.NewNop())

	seconds, err := p.Duration(context.Background(), "/tmp/in.mp4")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if seconds != 42.525 {
		t.Fatalf("seconds = %v, want 42.525", seconds)
	}
	if runner.gotName != "ffprobe" {
		t.Fatalf("tool = %q, want ffprobe", runner.gotName)
	}
	joined := strings.Join(runner.gotArgs, " ")
	if !strings.Contains(joined, "format=duration") {
		t.Fatalf("probe args missing duration entry: %s", joined)
	}
	if runner.gotArgs[len(runner.gotArgs)-1] != "/tmp/in.mp4" {
		t.Fatalf("input path must be last arg, got %v", runner.gotArgs)
	}
}

func TestDurationUnparseableOutput(t *testing.T) {
	runner := &fakeRunner{stdout: "N/A"}
	p := NewProcessor(runner, logging.NewNop())
	if _, err := p.Duration(context.Background(), "/tmp/in.mp4"); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("err = %v, want external tool error", err)
	}
}

func TestDurationToolFailure(t *testing.T) {
	runner := &fakeRunner{stderr: "moov atom not found", err: errors.New("exit status 1")}
	p := NewProcessor(runner, logging.NewNop())
	_, err := p.Duration(context.Background(), "/tmp/in.mp4")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("err = %v, want external tool error", err)
	}
	if !strings.Contains(err.Error(), "moov atom not found") {
		t.Fatalf("tool stderr should surface in error, got %v", err)
	}
}

func TestChromakeyArgs(t *testing.T) {
	args := ChromakeyArgs("in.mp4", "bg.jpg", "out.mp4")

	joined := strings.Join(args, " ")
	for _, fragment := range []string{
		"-i in.mp4",
		"-loop 1 -i bg.jpg",
		"chromakey=0x00FF00:0.29:0.10",
		"despill=type=green:mix=0.78:expand=0.06",
		"scale2ref=iw:ih:flags=lanczos",
		"overlay=0:0:shortest=1,format=yuv420p[out]",
		"-c:v libx264",
		"-preset medium",
		"-crf 14",
		"-profile:v high",
		"-level:v 4.2",
		"-maxrate 18M",
		"-bufsize 36M",
		"-tune film",
		"-movflags +faststart",
		"-c:a aac -b:a 192k",
		"-shortest",
	} {
		if !strings.Contains(joined, fragment) {
			t.Errorf("args missing %q:\n%s", fragment, joined)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("output must be the final argument, got %q", args[len(args)-1])
	}
	// bt709 color flags must come before the foreground input.
	if !strings.Contains(joined, "-color_primaries bt709 -color_trc bt709 -colorspace bt709 -i in.mp4") {
		t.Fatalf("color flags misplaced:\n%s", joined)
	}
}

func TestChromakeyFailureKeepsStderrTail(t *testing.T) {
	noise := strings.Repeat("frame=1234 ", 100)
	runner := &fakeRunner{stderr: noise + "Conversion failed!", err: errors.New("exit status 1")}
	p := NewProcessor(runner, logging.NewNop())

	err := p.Chromakey(context.Background(), "in.mp4", "bg.jpg", "out.mp4")
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("err = %v, want external tool error", err)
	}
	if !strings.Contains(err.Error(), "Conversion failed!") {
		t.Fatalf("error should keep the end of stderr, got %v", err)
	}
}

func TestExtractAudioArgs(t *testing.T) {
	runner := &fakeRunner{}
	p := NewProcessor(runner, logging.NewNop())
	if err := p.ExtractAudio(context.Background(), "in.mp4", "out.mp3"); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	joined := strings.Join(runner.gotArgs, " ")
	if !strings.Contains(joined, "-vn -acodec libmp3lame -q:a 4") {
		t.Fatalf("audio args = %s", joined)
	}
	if runner.gotArgs[len(runner.gotArgs)-1] != "out.mp3" {
		t.Fatalf("output must be last arg, got %v", runner.gotArgs)
	}
}
