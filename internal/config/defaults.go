package config

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{ListenAddr: ":8080"},
		Database: DatabaseConfig{Path: "cifixer.db"},
		Pipeline: PipelineConfig{
			TickIntervalMS:       1000,
			MaxConcurrentPerKind: 5,
			RetryBaseSeconds:     2,
			RetryMaxSeconds:      300,
			RetryJitterFactor:    0.1,
			LeaseTimeoutSeconds:  900,
			DefaultMaxAttempts:   3,
		},
		Webhook: WebhookConfig{
			SignatureMaxSkewSeconds: 300,
			MaxLogBytes:             1 << 20,
		},
		Workspace: WorkspaceConfig{
			WorkRoot:      "/work",
			RetentionDays: 7,
		},
		LLM: LLMConfig{
			Model:          "gpt-4o",
			TimeoutSeconds: 120,
			MaxTokens:      4096,
		},
		Forge:   ForgeConfig{TimeoutSeconds: 30},
		Mail:    MailConfig{Port: 587},
		Events:  EventsConfig{SubjectPrefix: "cifixer.events"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// normalize repairs zero values left by partial YAML files so downstream code
// never sees an unusable setting.
func (c *Config) normalize() {
	d := Default()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = d.Server.ListenAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Pipeline.TickIntervalMS <= 0 {
		c.Pipeline.TickIntervalMS = d.Pipeline.TickIntervalMS
	}
	if c.Pipeline.MaxConcurrentPerKind <= 0 {
		c.Pipeline.MaxConcurrentPerKind = d.Pipeline.MaxConcurrentPerKind
	}
	if c.Pipeline.RetryBaseSeconds <= 0 {
		c.Pipeline.RetryBaseSeconds = d.Pipeline.RetryBaseSeconds
	}
	if c.Pipeline.RetryMaxSeconds <= 0 {
		c.Pipeline.RetryMaxSeconds = d.Pipeline.RetryMaxSeconds
	}
	if c.Pipeline.RetryJitterFactor < 0 {
		c.Pipeline.RetryJitterFactor = d.Pipeline.RetryJitterFactor
	}
	if c.Pipeline.LeaseTimeoutSeconds <= 0 {
		c.Pipeline.LeaseTimeoutSeconds = d.Pipeline.LeaseTimeoutSeconds
	}
	if c.Pipeline.DefaultMaxAttempts <= 0 {
		c.Pipeline.DefaultMaxAttempts = d.Pipeline.DefaultMaxAttempts
	}
	if c.Webhook.SignatureMaxSkewSeconds <= 0 {
		c.Webhook.SignatureMaxSkewSeconds = d.Webhook.SignatureMaxSkewSeconds
	}
	if c.Webhook.MaxLogBytes <= 0 {
		c.Webhook.MaxLogBytes = d.Webhook.MaxLogBytes
	}
	if c.Workspace.WorkRoot == "" {
		c.Workspace.WorkRoot = d.Workspace.WorkRoot
	}
	if c.Workspace.RetentionDays <= 0 {
		c.Workspace.RetentionDays = d.Workspace.RetentionDays
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = d.LLM.TimeoutSeconds
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = d.LLM.MaxTokens
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.Forge.TimeoutSeconds <= 0 {
		c.Forge.TimeoutSeconds = d.Forge.TimeoutSeconds
	}
	if c.Mail.Port <= 0 {
		c.Mail.Port = d.Mail.Port
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = d.Events.SubjectPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}
