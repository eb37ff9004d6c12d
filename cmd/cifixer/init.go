package main

import (
	"errors"
	"fmt"
	"os"
)

// sampleConfig is written by `cifixer init`. Secrets are left blank and are
// expected via environment overrides (CIFIXER_SIGNATURE_SECRET,
// CIFIXER_LLM_API_KEY, CIFIXER_FORGE_TOKEN, CIFIXER_SMTP_PASSWORD).
const sampleConfig = `server:
  listen_addr: ":8080"

database:
  path: "cifixer.db"

pipeline:
  tick_interval_ms: 1000
  max_concurrent_per_kind: 5
  retry_base_seconds: 2
  retry_max_seconds: 300
  retry_jitter_factor: 0.1
  lease_timeout_seconds: 900
  default_max_attempts: 3

webhook:
  signature_required: false
  signature_secret: ""
  signature_max_skew_seconds: 300
  max_log_bytes: 1048576

workspace:
  work_root: "/work"
  retention_days: 7

llm:
  endpoint: "http://localhost:11434/v1/chat/completions"
  api_key: ""
  model: "gpt-4o"
  timeout_seconds: 120
  max_tokens: 4096

forge:
  base_url: ""
  token: ""
  timeout_seconds: 30

mail:
  enabled: false
  host: "localhost"
  port: 587
  username: ""
  password: ""
  from: "cifixer@example.com"
  recipients: []
  use_tls: false

events:
  enabled: false
  nats_url: "nats://localhost:4222"
  subject_prefix: "cifixer.events"

logging:
  level: "info"
  format: "text"
`

func runInit(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
