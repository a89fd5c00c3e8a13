// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"time"

	"github.com/jeranaias/chatlink/internal/channel"
	"github.com/jeranaias/chatlink/internal/config"
	"github.com/jeranaias/chatlink/internal/jobs"
	"github.com/jeranaias/chatlink/internal/stream"
)

// =============================================================================
// CLIENT CONSTRUCTION FROM CONFIG
// =============================================================================

func (e *Env) streamClient(cfg *config.Config) *stream.Client {
	return stream.New(stream.Options{
		BaseURL:      cfg.Server.BaseURL,
		Path:         cfg.Stream.Path,
		APIKey:       cfg.Server.APIKey,
		DefaultModel: cfg.Stream.DefaultModel,
		MaxFrameSize: cfg.Stream.MaxFrameBytes,
		DoneSentinel: cfg.Stream.DoneSentinel,
		HTTPClient:   e.HTTPClient,
		Logger:       e.Logger,
	})
}

func (e *Env) jobsClient() *jobs.Client {
	cfg := e.Config
	return jobs.New(jobs.Options{
		BaseURL:           cfg.Server.BaseURL,
		APIKey:            cfg.Server.APIKey,
		ImagePath:         cfg.Jobs.ImagePath,
		VideoPath:         cfg.Jobs.VideoPath,
		StatusPath:        cfg.Jobs.StatusPath,
		PollInterval:      cfg.PollInterval(),
		Backoff:           cfg.Jobs.Backoff,
		MaxInterval:       cfg.MaxInterval(),
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		MaxWait:           cfg.MaxWait(),
		Coalesce:          cfg.Jobs.Coalesce,
		RequestsPerSecond: cfg.Jobs.RequestsPerSecond,
		HTTPClient:        e.HTTPClient,
		Logger:            e.Logger,
	})
}

// channelOptions builds channel options; onState may be nil.
func (e *Env) channelOptions(onState func(string, channel.State)) channel.Options {
	cfg := e.Config
	return channel.Options{
		Dialer: &channel.WSDialer{
			BaseURL:          cfg.Server.BaseURL,
			Path:             cfg.Channel.SocketPath,
			APIKey:           cfg.Server.APIKey,
			HandshakeTimeout: 10 * time.Second,
		},
		Reconnect: channel.ReconnectPolicy{
			Enabled:     cfg.Channel.Reconnect,
			MaxInterval: cfg.ReconnectMaxInterval(),
		},
		SendQueue: cfg.Channel.SendQueue,
		MaxLog:    cfg.Channel.MaxLog,
		OnState:   onState,
		Logger:    e.Logger,
	}
}
