package recording

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/famcall/famcall/internal/call"
)

// Transcoder converts a raw browser capture into the call's canonical
// container: mp4 for video, mp3 for voice.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, kind call.Kind) error
}

// FFmpegTranscoder shells out to ffmpeg. The farm uploads whatever the
// browser's MediaRecorder produced (typically webm), so the input
// container is sniffed by ffmpeg rather than assumed.
type FFmpegTranscoder struct {
	logger *slog.Logger
}

// NewFFmpegTranscoder creates the standard transcoder.
func NewFFmpegTranscoder(logger *slog.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{logger: logger.With("subsystem", "transcode")}
}

// Transcode rewrites src into dst.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, src, dst string, kind call.Kind) error {
	var args ffmpeg.KwArgs
	if kind == call.KindVideo {
		args = ffmpeg.KwArgs{
			"c:v":      "libx264",
			"preset":   "veryfast",
			"c:a":      "aac",
			"movflags": "+faststart",
		}
	} else {
		args = ffmpeg.KwArgs{
			"vn":  "",
			"c:a": "libmp3lame",
			"q:a": "4",
		}
	}

	stream := ffmpeg.Input(src).Output(dst, args)
	stream.Context = ctx
	cmd := stream.OverWriteOutput().Compile()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.logger.Error("transcode failed",
			"src", src,
			"kind", kind,
			"error", err,
			"ffmpeg", lastLine(stderr.String()),
		)
		return fmt.Errorf("%w: %v", call.ErrTranscodeFailed, err)
	}
	t.logger.Debug("transcode complete", "dst", dst, "kind", kind)
	return nil
}

// lastLine extracts ffmpeg's final stderr line, which is where it puts
// the actual reason for a failure.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
