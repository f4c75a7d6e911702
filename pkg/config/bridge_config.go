package config

import "time"

// BridgeConfig configures the WebSocket control, navigation and video
// bridges and the HTTP server hosting them
type BridgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Address to listen on (e.g., ":8080")

	CommandChannel     string `yaml:"command_channel"`      // Twist commands
	MapMetadataChannel string `yaml:"map_metadata_channel"` // MapMetaData input
	InitialPoseChannel string `yaml:"initial_pose_channel"` // Pose estimates
	GoalChannel        string `yaml:"goal_channel"`         // Navigation goals
	PoseChannel        string `yaml:"pose_channel"`         // Localized pose input
	CameraChannel      string `yaml:"camera_channel"`       // Raw camera frames

	PublishInterval time.Duration `yaml:"publish_interval"` // Twist publish period
	LinearScale     float64       `yaml:"linear_scale"`     // m/s at full stick
	AngularScale    float64       `yaml:"angular_scale"`    // rad/s at full stick
	MaxFPS          float64       `yaml:"max_fps"`          // Video frame rate cap
	JPEGQuality     int           `yaml:"jpeg_quality"`     // 1-100
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown bound
}
