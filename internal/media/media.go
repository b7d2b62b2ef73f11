// Package media wraps the external ffmpeg/ffprobe tools: duration probing,
// greenscreen compositing onto a studio background, and audio extraction
// for transcription.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"clipforge/internal/logging"
	"clipforge/internal/services"
)

// Compositing filter graph: key out the green screen, clean up spill, snap
// the alpha channel, then scale the background to the foreground and
// overlay. Output stays yuv420p for broad player compatibility.
const chromakeyFilter = "[0:v]format=yuva444p,chromakey=0x00FF00:0.29:0.10," +
	"despill=type=green:mix=0.78:expand=0.06," +
	"lutyuv=a='if(lt(val,64),0,if(gt(val,160),255,val))'[fg];" +
	"[1:v][fg]scale2ref=iw:ih:flags=lanczos[bg][fgref];" +
	"[bg][fgref]overlay=0:0:shortest=1,format=yuv420p[out]"

const stderrTailLimit = 500

// Processor drives ffmpeg and ffprobe.
type Processor struct {
	runner Runner
	logger *slog.Logger
}

// NewProcessor constructs a processor using the given runner.
func NewProcessor(runner Runner, logger *slog.Logger) *Processor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Processor{
		runner: runner,
		logger: logging.NewComponentLogger(logger, "media"),
	}
}

// Duration probes the container duration in seconds. A file ffprobe cannot
// read yields an error rather than a zero duration.
func (p *Processor) Duration(ctx context.Context, path string) (float64, error) {
	stdout, stderr, err := p.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		path,
	)
	if err != nil {
		return 0, services.Wrap(services.ErrExternalTool, "media", "probe duration",
			services.Truncate(stderr, stderrTailLimit), err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
	if err != nil {
		return 0, services.Wrap(services.ErrExternalTool, "media", "probe duration",
			fmt.Sprintf("unparseable duration %q", stdout), err)
	}
	return seconds, nil
}

// ColorInfo probes the pixel format and color metadata of the first video
// stream, for diagnostics around keying quality.
func (p *Processor) ColorInfo(ctx context.Context, path string) (string, error) {
	stdout, stderr, err := p.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=pix_fmt,color_space,color_transfer,color_primaries,color_range,width,height",
		"-of", "default=nokey=1:noprint_wrappers=1",
		path,
	)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "media", "probe color",
			services.Truncate(stderr, stderrTailLimit), err)
	}
	return strings.ReplaceAll(stdout, "\n", " | "), nil
}

// ChromakeyArgs builds the full ffmpeg argument list for compositing input
// onto background, producing output.
func ChromakeyArgs(input, background, output string) []string {
	return []string{
		"-y",
		"-color_primaries", "bt709",
		"-color_trc", "bt709",
		"-colorspace", "bt709",
		"-i", input,
		"-loop", "1",
		"-i", background,
		"-filter_complex", chromakeyFilter,
		"-map", "[out]", "-map", "0:a?",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "14",
		"-profile:v", "high",
		"-level:v", "4.2",
		"-pix_fmt", "yuv420p",
		"-maxrate", "18M",
		"-bufsize", "36M",
		"-tune", "film",
		"-movflags", "+faststart",
		"-c:a", "aac", "-b:a", "192k",
		"-shortest",
		output,
	}
}

// Chromakey composites the greenscreen input onto the background image.
func (p *Processor) Chromakey(ctx context.Context, input, background, output string) error {
	p.logger.Info("compositing greenscreen",
		logging.String("input", input),
		logging.String("background", background),
	)
	_, stderr, err := p.runner.Run(ctx, "ffmpeg", ChromakeyArgs(input, background, output)...)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "media", "chromakey",
			tail(stderr, stderrTailLimit), err)
	}
	return nil
}

// ExtractAudio writes the audio track of input to an mp3 file.
func (p *Processor) ExtractAudio(ctx context.Context, input, output string) error {
	_, stderr, err := p.runner.Run(ctx, "ffmpeg",
		"-y", "-i", input,
		"-vn", "-acodec", "libmp3lame", "-q:a", "4",
		output,
	)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "media", "extract audio",
			tail(stderr, stderrTailLimit), err)
	}
	return nil
}

// tail keeps the last n bytes of tool output, where the useful error lives.
func tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
