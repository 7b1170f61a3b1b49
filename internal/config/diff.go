package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// TimingChanged covers the coordinator intervals and TTLs that can
	// be applied to a running coordinator.
	TimingChanged bool
	NewTiming     CoordinatorConfig

	ChatIDChanged bool
	NewChatID     int64

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.TimingChanged || d.ChatIDChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Coordinator.LockTTL != new.Coordinator.LockTTL ||
		old.Coordinator.HeartbeatInterval != new.Coordinator.HeartbeatInterval ||
		old.Coordinator.LivenessInterval != new.Coordinator.LivenessInterval ||
		old.Coordinator.OfflineGrace != new.Coordinator.OfflineGrace ||
		old.Coordinator.SweepInterval != new.Coordinator.SweepInterval ||
		old.Coordinator.PollInterval != new.Coordinator.PollInterval ||
		old.Coordinator.CoordinationTimeout != new.Coordinator.CoordinationTimeout {
		d.TimingChanged = true
		d.NewTiming = new.Coordinator
	}

	if old.Telegram.ChatID != new.Telegram.ChatID {
		d.ChatIDChanged = true
		d.NewChatID = new.Telegram.ChatID
	}

	// Non-reloadable warnings
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Coordinator.Workspace != new.Coordinator.Workspace {
		d.NonReloadable = append(d.NonReloadable, "coordinator.workspace")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
