package main

import (
	"log/slog"
	"slices"

	"github.com/ascapdx/callcore/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Relay) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: auth mode none lets any client register as any handle",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed origins contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; agents behind NAT will only gather host candidates",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}

	// Large frames weaken the per-connection read limit.
	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: max signaling message bytes is very large",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
