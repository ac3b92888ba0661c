package pipeline

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gftdcojp/segment-recorder/internal/config"
)

// SegmentPattern is the strftime output name of every segment, second
// resolution. Two segments started within the same second collide; what
// happens then is up to the recorder.
const SegmentPattern = "%Y%m%d-%H%M%S"

const (
	defaultVideoCodec = "libx264"
	transcodePreset   = "veryfast"
)

// Spec is everything needed to start one recording pipeline.
type Spec struct {
	Stream string
	Path   string
	Args   []string
	Dir    string
}

// NewSpec builds the pipeline invocation for a stream. It is called before
// every launch so each restart gets a fresh argument vector.
func NewSpec(ff config.FFmpegConfig, storage config.StorageConfig, stream config.StreamConfig) Spec {
	dir := storage.StreamDir(stream.Name)
	return Spec{
		Stream: stream.Name,
		Path:   ff.Executable(),
		Args:   BuildArgs(ff, storage, stream, dir),
		Dir:    dir,
	}
}

// OutputPattern is the templated segment path inside dir.
func OutputPattern(storage config.StorageConfig, dir string) string {
	return filepath.Join(dir, SegmentPattern+"."+storage.Extension())
}

// BuildHeaders renders the auth headers of a stream as a "Key: Value\r\n"
// concatenation. The bearer token comes first; map entries follow sorted by
// key. A map key equal to "Authorization" does not replace the token pair,
// both are emitted. ok is false when there is nothing to send.
func BuildHeaders(stream config.StreamConfig) (headers string, ok bool) {
	type pair struct{ key, value string }
	var pairs []pair

	if stream.BearerToken != "" {
		pairs = append(pairs, pair{"Authorization", "Bearer " + stream.BearerToken})
	}

	keys := make([]string, 0, len(stream.Headers))
	for k := range stream.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, pair{k, stream.Headers[k]})
	}

	if len(pairs) == 0 {
		return "", false
	}

	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p.key)
		b.WriteString(": ")
		b.WriteString(p.value)
		b.WriteString("\r\n")
	}
	return b.String(), true
}

// BuildArgs renders the recorder command line for a stream writing into dir.
func BuildArgs(ff config.FFmpegConfig, storage config.StorageConfig, stream config.StreamConfig, dir string) []string {
	args := []string{"-hide_banner", "-loglevel", "info"}

	if ff.RTSPTransport != "" {
		args = append(args, "-rtsp_transport", ff.RTSPTransport)
	}
	args = append(args, ff.ExtraInputArgs...)

	if h, ok := BuildHeaders(stream); ok {
		args = append(args, "-headers", h)
	}

	args = append(args, "-i", stream.URL)

	if t := stream.Transcode; t != nil {
		codec := t.Codec
		if codec == "" {
			codec = defaultVideoCodec
		}
		args = append(args, "-c:v", codec, "-b:v", t.VBitrate)
		if t.ABitrate != "" {
			args = append(args, "-b:a", t.ABitrate)
		} else {
			args = append(args, "-an")
		}
		args = append(args, "-preset", transcodePreset)
	} else {
		args = append(args, "-c", "copy")
	}

	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(storage.SegmentTimeSec),
		"-reset_timestamps", "1",
		"-strftime", "1",
	)

	if storage.OutputFormat != "" {
		args = append(args, "-segment_format", storage.OutputFormat)
	}
	args = append(args, ff.ExtraOutputArgs...)

	return append(args, OutputPattern(storage, dir))
}
