package config

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`        // debug, info, warn, error
	Format     string `yaml:"format"`       // json, console
	OutputFile string `yaml:"output_file"`  // Empty for stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotation size of output_file
	MaxBackups int    `yaml:"max_backups"`  // Rotated files to keep
	MaxAgeDays int    `yaml:"max_age_days"` // Days to keep rotated files
}
