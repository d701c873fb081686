package main

import (
	"log/slog"
	"strings"

	"github.com/softframe/meshcall/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup warning: ALLOWED_ORIGINS is empty (any browser origin may connect)",
			"warning_code", "allowed_origins_empty",
		)
	} else if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
		)
	}

	if !hasTURNServer(cfg) {
		logger.Warn("startup warning: no TURN servers configured (participants behind symmetric NATs will fail to connect)",
			"warning_code", "no_turn_servers",
			"ice_servers", len(cfg.ICEServers),
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			url := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
