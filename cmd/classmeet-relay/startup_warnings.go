package main

import (
	"log/slog"

	"github.com/classmeet/classmeet/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: CLASSMEET_AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: no ICE servers configured; coordinators cannot traverse NAT",
			"warning_code", "no_ice_servers",
			"err", err,
		)
	} else if !cfg.HasTURN() {
		logger.Warn("startup warning: no TURN relay configured; members behind symmetric NAT will fail to connect",
			"warning_code", "no_turn_relay",
			"ice_servers", len(cfg.ICEServers),
		)
	}

	if cfg.MaxMembersPerRoom <= 0 {
		logger.Warn("startup warning: CLASSMEET_MAX_MEMBERS_PER_ROOM is unset/0 (unlimited); a full mesh grows quadratically with room size",
			"warning_code", "max_members_unlimited",
			"max_members_per_room", cfg.MaxMembersPerRoom,
		)
	}

	// Oversized signaling messages are the cheapest way to exhaust the relay.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: CLASSMEET_MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_cap_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		)
	}
}
