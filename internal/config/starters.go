package config

import (
	"fmt"
	"os"
)

// starterConfig is written on first run so operators have a documented file to edit.
const starterConfig = `# studio daemon configuration
bind_addr: 127.0.0.1:18790
log_level: info

text_workers: 4
media_workers: 2
heartbeat_interval_seconds: 10
default_max_attempts: 3

# Workflow types whose stream events survive a page reload.
persist_stream_workflows:
  - storyboard

watchdog:
  threshold_seconds: 120
  batch_limit: 50
  schedule: "@every 1m"

retention:
  task_events_days: 30
  jobs_days: 7
  audit_log_days: 365
  schedule: "@daily"

# Map task types to external async workers.
# handlers:
#   image.generate:
#     endpoint: http://127.0.0.1:9001/image
#   text.storyboard:
#     endpoint: http://127.0.0.1:9002/storyboard
#     steps:
#       - key: outline
#         max_attempts: 2
#         timeout_seconds: 60
#       - key: scenes
#         max_attempts: 3
#         timeout_seconds: 180
`

// WriteStarter creates config.yaml in homeDir unless one already exists.
func WriteStarter(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create studio home: %w", err)
	}
	f, err := os.OpenFile(ConfigPath(homeDir), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create config.yaml: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(starterConfig); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
