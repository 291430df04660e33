package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/device"
	"github.com/MrWong99/earshot/pkg/audio/wavfile"
	"github.com/MrWong99/earshot/pkg/transcript"
	"github.com/MrWong99/earshot/pkg/transcript/jsonl"
	"github.com/MrWong99/earshot/pkg/transcript/kafka"
	"github.com/MrWong99/earshot/pkg/transcript/postgres"
)

// RegisterBuiltins registers the audio sources and transcript sinks that ship
// with earshot.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterSource("device", newDeviceSource)
	reg.RegisterSource("wav", newWAVSource)

	reg.RegisterSink("jsonl", newJSONLSink)
	reg.RegisterSink("postgres", newPostgresSink)
	reg.RegisterSink("kafka", newKafkaSink)
}

func newDeviceSource(cfg config.AudioConfig, log *slog.Logger) (audio.Source, error) {
	d := cfg.Device
	format := audio.PipelineFormat
	if d.SampleRate > 0 {
		format.SampleRate = d.SampleRate
	}
	if d.Channels > 0 {
		format.Channels = d.Channels
	}
	return device.New(device.Config{
		Format: format,
		Period: d.Period,
		Buffer: d.Buffer,
		Logger: log,
	}), nil
}

func newWAVSource(cfg config.AudioConfig, log *slog.Logger) (audio.Source, error) {
	if cfg.WAV.Path == "" {
		return nil, errors.New("wav source: path is required")
	}
	return wavfile.New(cfg.WAV.Path,
		wavfile.WithRealtime(cfg.WAV.Realtime),
		wavfile.WithFrameDuration(cfg.WAV.FrameDuration),
		wavfile.WithLogger(log),
	), nil
}

// Sink options:
//
//	jsonl:    path
//	postgres: dsn
//	kafka:    brokers, topic, write_timeout

func newJSONLSink(_ context.Context, e config.SinkEntry) (transcript.Sink, error) {
	path := e.StringOption("path")
	if path == "" {
		return nil, errors.New("jsonl sink: options.path is required")
	}
	return jsonl.Open(path)
}

func newPostgresSink(ctx context.Context, e config.SinkEntry) (transcript.Sink, error) {
	dsn := e.StringOption("dsn")
	if dsn == "" {
		return nil, errors.New("postgres sink: options.dsn is required")
	}
	return postgres.NewStore(ctx, dsn)
}

func newKafkaSink(_ context.Context, e config.SinkEntry) (transcript.Sink, error) {
	var timeout time.Duration
	if s := e.StringOption("write_timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: options.write_timeout: %w", err)
		}
		timeout = d
	}
	return kafka.New(kafka.Config{
		Brokers:      e.StringsOption("brokers"),
		Topic:        e.StringOption("topic"),
		WriteTimeout: timeout,
	})
}
