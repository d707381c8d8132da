package config

import (
	"fmt"
	"os"
)

// Template returns a commented starter config.
func Template() string {
	return gatewayTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(gatewayTemplate), 0o600)
}

const gatewayTemplate = `# gatewayctl configuration

[gateway]
endpoint = "wss://gateway.example.com/?v=10&encoding=json"
# Prefer EDGEGATE_TOKEN or --token over storing the token here.
token = ""
intents = 513
large_threshold = 50
os = "linux"
browser = "edgegate"
device = "edgegate"

[session]
connect_timeout = "10s"
handshake_timeout = "15s"
write_timeout = "10s"
close_timeout = "5s"
heartbeat_jitter = true
outbound_queue_size = 128
security_mode = "production"

[session.backoff]
initial = "1s"
multiplier = 2.0
max = "1m"
jitter = "500ms"

[session.tls]
enabled = false
server_name = ""
ca_file = ""

# Override the resumability of individual close codes:
# resumable, non_resumable, fatal or unknown.
[close_codes]
# "4000" = "resumable"

[status]
enabled = true
addr = "127.0.0.1:9400"
node = "gatewayctl"
cors_origins = ["http://localhost:3000"]

[log]
level = "info"
`
