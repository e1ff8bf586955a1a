package config

import "time"

// PowerConfig holds battery sampling settings. When SysfsPath is empty
// the node assumes mains power.
type PowerConfig struct {
	SysfsPath       string        `mapstructure:"SYSFS_PATH"       json:"sysfs_path"       validate:"omitempty"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL" json:"refresh_interval" validate:"required,reasonable_duration"`
}

// NetworkConfig holds network-quality probe settings. PinnedQuality
// overrides probing entirely when set.
type NetworkConfig struct {
	PinnedQuality string        `mapstructure:"PINNED_QUALITY" json:"pinned_quality" validate:"omitempty,oneof=good fair poor"`
	ProbeInterval time.Duration `mapstructure:"PROBE_INTERVAL" json:"probe_interval" validate:"required,reasonable_duration"`
}
