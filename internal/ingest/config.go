package ingest

// Config configures the observation intake server.
type Config struct {
	// Addr is the listen address. Defaults to ":8123".
	Addr string `yaml:"addr"`

	// MaxBodyBytes caps the request body size. The cap applies to both
	// the wire bytes and the decompressed stream. Defaults to 8MB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8123"
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 * 1024 * 1024
	}
}
